package sandbox

import (
	"context"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"vetbox/pkg/seccomp"
)

// nobody inside the container.
const sandboxUID = 65534

// Kernel state a sample has no business reading.
var detonationMaskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

var detonationReadonlyPaths = []string{
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

var detonationEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=" + containerScratch,
	"TMPDIR=" + containerScratch,
	"LANG=C.UTF-8",
}

// withDetonation turns an image spec into a detonation chamber: private
// namespaces with no network, no capabilities, the tracer seccomp profile,
// the nobody user, a read-only root and the scratch dir as the only
// writable mount. strace runs inside next to the sample, which is why the
// tracer profile is used rather than the native one.
func withDetonation(scratchDir string, limits ResourceLimits) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Process == nil {
			s.Process = &specs.Process{}
		}

		s.Linux.Seccomp = seccomp.TracerProfile()
		s.Linux.Namespaces = []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		}
		s.Linux.MaskedPaths = detonationMaskedPaths
		s.Linux.ReadonlyPaths = detonationReadonlyPaths

		none := []string{}
		s.Process.Capabilities = &specs.LinuxCapabilities{
			Bounding:    none,
			Effective:   none,
			Inheritable: none,
			Permitted:   none,
			Ambient:     none,
		}
		s.Process.NoNewPrivileges = true
		s.Process.User = specs.User{UID: sandboxUID, GID: sandboxUID}
		s.Process.Cwd = containerScratch
		s.Process.Env = detonationEnv

		if s.Root == nil {
			s.Root = &specs.Root{}
		}
		s.Root.Readonly = true
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: containerScratch,
			Type:        "bind",
			Source:      scratchDir,
			Options:     []string{"rbind", "rw", "nosuid", "nodev"},
		})

		ApplyResourceLimits(s, limits)
		return nil
	}
}
