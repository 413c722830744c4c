//go:build linux

package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"vetbox/pkg/seccomp"
)

// initConfig is sent by the process backend to the re-exec'd helper.
type initConfig struct {
	Rlimits      []specs.POSIXRlimit `json:"rlimits"`
	Seccomp      *specs.LinuxSeccomp `json:"seccomp"`
	Scratch      string              `json:"scratch"`
	ReadOnlyRoot bool                `json:"read_only_root"`
	CloseFDs     []int               `json:"close_fds,omitempty"`
}

// MaybeSandboxInit must be the first call in main. When the process was
// started as the Tier-2 init helper it never returns: it locks itself
// down and execs the sample, or exits non-zero.
func MaybeSandboxInit() bool {
	v := os.Getenv(initEnv)
	if v == "" {
		return false
	}
	if v == initCheck {
		os.Exit(0)
	}
	os.Exit(sandboxInit(v))
	return true
}

func sandboxInit(fdStr string) int {
	// seccomp and mount changes must happen on the thread that execs.
	runtime.LockOSThread()

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: invalid config fd %q: %v\n", fdStr, err)
		return 1
	}
	f := os.NewFile(uintptr(fd), "init-config")
	if f == nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: cannot open config fd %d\n", fd)
		return 1
	}
	var cfg initConfig
	err = json.NewDecoder(f).Decode(&cfg)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: decode config: %v\n", err)
		return 1
	}

	for _, fd := range cfg.CloseFDs {
		_ = unix.Close(fd)
	}

	if cfg.ReadOnlyRoot {
		if err := isolateFilesystem(cfg.Scratch); err != nil {
			fmt.Fprintf(os.Stderr, "vetbox-init: filesystem: %v\n", err)
			return 1
		}
	}
	if err := applyRlimits(cfg.Rlimits); err != nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: rlimits: %v\n", err)
		return 1
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "vetbox-init: no command to exec\n")
		return 1
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: %v\n", err)
		return 127
	}
	_ = os.Unsetenv(initEnv)

	if cfg.Seccomp != nil {
		if err := seccomp.Load(cfg.Seccomp); err != nil {
			fmt.Fprintf(os.Stderr, "vetbox-init: seccomp: %v\n", err)
			return 1
		}
	}

	if err := unix.Exec(path, args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "vetbox-init: exec %s: %v\n", path, err)
		return 126
	}
	return 0
}

// isolateFilesystem leaves scratch as the only writable path. Every other
// mount is remounted read-only, keeping the flags the kernel locked when the
// user namespace was created.
func isolateFilesystem(scratch string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := unix.Mount(scratch, scratch, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding scratch: %w", err)
	}

	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return err
	}
	mounts, err := parseMountInfo(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	for _, m := range mounts {
		if m.Point == scratch || strings.HasPrefix(m.Point, scratch+string(filepath.Separator)) {
			continue
		}
		flags := uintptr(unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY) | m.Flags
		if err := unix.Mount("", m.Point, "", flags, ""); err != nil && m.Point == "/" {
			return fmt.Errorf("remounting / read-only: %w", err)
		}
	}
	return nil
}

type mountEntry struct {
	Point string
	Flags uintptr
}

// parseMountInfo reads the mount point and per-mount options of each line
// of /proc/<pid>/mountinfo.
func parseMountInfo(r io.Reader) ([]mountEntry, error) {
	var out []mountEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		out = append(out, mountEntry{
			Point: unescapeMountPath(fields[4]),
			Flags: mountFlags(fields[5]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading mountinfo: %w", err)
	}
	return out, nil
}

var lockedMountFlags = map[string]uintptr{
	"nosuid":     unix.MS_NOSUID,
	"nodev":      unix.MS_NODEV,
	"noexec":     unix.MS_NOEXEC,
	"noatime":    unix.MS_NOATIME,
	"nodiratime": unix.MS_NODIRATIME,
	"relatime":   unix.MS_RELATIME,
}

func mountFlags(opts string) uintptr {
	var flags uintptr
	for _, o := range strings.Split(opts, ",") {
		flags |= lockedMountFlags[o]
	}
	return flags
}

// unescapeMountPath decodes the octal escapes (\040 for space) the kernel
// writes in mountinfo paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_DATA":   unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}

func applyRlimits(limits []specs.POSIXRlimit) error {
	for _, l := range limits {
		res, ok := rlimitResources[l.Type]
		if !ok {
			return fmt.Errorf("unknown rlimit %q", l.Type)
		}
		if err := unix.Setrlimit(res, &unix.Rlimit{Cur: l.Soft, Max: l.Hard}); err != nil {
			return fmt.Errorf("setrlimit %s: %w", l.Type, err)
		}
	}
	return nil
}
