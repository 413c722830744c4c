package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"vetbox/internal/budget"
)

// ResourceLimits are the child ceilings every backend enforces, derived from
// the Child* fields of a budget.
type ResourceLimits struct {
	MemoryBytes  uint64 `json:"memory_bytes"`
	CPUSeconds   uint64 `json:"cpu_seconds"`
	MaxFDs       uint64 `json:"max_fds"`
	MaxFileBytes uint64 `json:"max_file_bytes"`
	MaxProcesses uint64 `json:"max_processes"`
	TmpfsBytes   uint64 `json:"tmpfs_bytes"`
}

// LimitsFromBudget maps a budget onto child limits. The container /tmp is
// sized like the largest file the child may write.
func LimitsFromBudget(b budget.Budget) ResourceLimits {
	return ResourceLimits{
		MemoryBytes:  b.ChildMemoryBytes,
		CPUSeconds:   b.ChildCPUSeconds,
		MaxFDs:       b.ChildMaxFDs,
		MaxFileBytes: b.ChildMaxFileBytes,
		MaxProcesses: b.ChildMaxProcesses,
		TmpfsBytes:   b.ChildMaxFileBytes,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryBytes < 16<<20 {
		return fmt.Errorf("%w: memory must be >= 16MiB, got %d", ErrInvalidLimits, rl.MemoryBytes)
	}
	if rl.CPUSeconds < 1 {
		return fmt.Errorf("%w: cpu_seconds must be >= 1", ErrInvalidLimits)
	}
	if rl.MaxFDs < 8 {
		return fmt.Errorf("%w: max_fds must be >= 8, got %d", ErrInvalidLimits, rl.MaxFDs)
	}
	if rl.MaxFileBytes < 1<<20 {
		return fmt.Errorf("%w: max_file_bytes must be >= 1MiB, got %d", ErrInvalidLimits, rl.MaxFileBytes)
	}
	if rl.MaxProcesses < 1 {
		return fmt.Errorf("%w: max_processes must be >= 1", ErrInvalidLimits)
	}
	return nil
}

// Rlimits is the POSIX rlimit set applied to the child. RLIMIT_DATA bounds
// heap and anonymous mappings without breaking runtimes that reserve large
// virtual ranges up front.
func (rl ResourceLimits) Rlimits() []specs.POSIXRlimit {
	return []specs.POSIXRlimit{
		{Type: "RLIMIT_DATA", Hard: rl.MemoryBytes, Soft: rl.MemoryBytes},
		{Type: "RLIMIT_CPU", Hard: rl.CPUSeconds, Soft: rl.CPUSeconds},
		{Type: "RLIMIT_NOFILE", Hard: rl.MaxFDs, Soft: rl.MaxFDs},
		{Type: "RLIMIT_FSIZE", Hard: rl.MaxFileBytes, Soft: rl.MaxFileBytes},
		{Type: "RLIMIT_NPROC", Hard: rl.MaxProcesses, Soft: rl.MaxProcesses},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

// ApplyResourceLimits writes the limits into an OCI spec: cgroup memory and
// pids, a one-CPU quota, a sized /tmp and the rlimit set.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	period := uint64(100000) // 100ms in microseconds
	quota := int64(period)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := safeInt64(limits.MemoryBytes)
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: safeInt64(limits.MaxProcesses),
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", limits.TmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = limits.Rlimits()
}

// DockerArgs renders the limits as `docker run` flags. The cgroup memory
// limit replaces RLIMIT_DATA, which docker cannot set.
func (rl ResourceLimits) DockerArgs() []string {
	return []string{
		"--memory", fmt.Sprintf("%d", rl.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", rl.MemoryBytes),
		"--pids-limit", fmt.Sprintf("%d", rl.MaxProcesses),
		"--cpus", "1",
		"--ulimit", fmt.Sprintf("nofile=%d:%d", rl.MaxFDs, rl.MaxFDs),
		"--ulimit", fmt.Sprintf("fsize=%d:%d", rl.MaxFileBytes, rl.MaxFileBytes),
		"--ulimit", fmt.Sprintf("cpu=%d:%d", rl.CPUSeconds, rl.CPUSeconds),
		"--ulimit", "core=0:0",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%d", rl.TmpfsBytes),
	}
}

func safeInt64(v uint64) int64 {
	if v > 1<<62 {
		return 1 << 62
	}
	return int64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
