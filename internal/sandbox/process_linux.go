//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"vetbox/internal/config"
	"vetbox/internal/monitor"
	"vetbox/pkg/seccomp"
)

// initConfigFD is where the init helper finds its JSON config.
const initConfigFD = 4

// processBackend runs the sample as a plain child process: strace in fresh
// user, mount, pid, network, ipc and uts namespaces, tracing a re-exec of
// this binary that locks itself down and then execs the sample.
type processBackend struct {
	exe          string
	mon          monitor.SyscallMonitor
	profile      *specs.LinuxSeccomp
	readOnlyRoot bool
}

// newProcessBackend falls back to monitor.UnsupportedMonitor when strace is
// missing; the backend then reports itself unavailable through Monitor.
func newProcessBackend(cfg config.Tier2Config) (Backend, error) {
	var mon monitor.SyscallMonitor = monitor.NewStraceMonitor(cfg.StracePath)
	if err := mon.Available(); err != nil {
		mon = monitor.UnsupportedMonitor{Reason: fmt.Sprintf("strace %q not usable", cfg.StracePath)}
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: locating own executable: %w", ErrSandboxUnavailable, err)
	}
	b := &processBackend{
		exe:          exe,
		mon:          mon,
		profile:      seccomp.DefaultProfile(),
		readOnlyRoot: cfg.ReadOnlyRoot,
	}
	if err := b.checkNamespaces(); err != nil {
		return nil, fmt.Errorf("%w: user namespaces not usable: %w", ErrSandboxUnavailable, err)
	}
	return b, nil
}

func (b *processBackend) Name() string                    { return "process" }
func (b *processBackend) Monitor() monitor.SyscallMonitor { return b.mon }
func (b *processBackend) Close() error                    { return nil }

// Sweep has nothing to do: the pid namespace dies with strace.
func (b *processBackend) Sweep(context.Context) (int, error) {
	return 0, nil
}

func isolationAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
			unix.CLONE_NEWNET | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		Setsid:    true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// checkNamespaces starts the init helper in check mode inside the namespaces.
func (b *processBackend) checkNamespaces() error {
	cmd := exec.Command(b.exe) // #nosec G204 -- own executable
	cmd.Env = []string{initEnv + "=" + initCheck}
	cmd.SysProcAttr = isolationAttr()
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		return errors.New("namespace check timed out")
	}
}

func (b *processBackend) Start(_ context.Context, spec LaunchSpec) (Process, error) {
	samplePath := filepath.Join(spec.Workspace.WorkDir, spec.SampleName)
	inner := append([]string{b.exe}, spec.Launcher.Command(samplePath)...)
	argv := b.mon.Wrap(inner, fmt.Sprintf("/dev/fd/%d", traceFD))

	cfgData, err := json.Marshal(initConfig{
		Rlimits:      spec.Limits.Rlimits(),
		Seccomp:      b.profile,
		Scratch:      spec.Workspace.WorkDir,
		ReadOnlyRoot: b.readOnlyRoot,
		CloseFDs:     []int{traceFD},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding init config: %w", ErrSetupFailed, err)
	}

	traceR, traceW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: trace pipe: %w", ErrSetupFailed, err)
	}
	cfgR, cfgW, err := os.Pipe()
	if err != nil {
		_ = traceR.Close()
		_ = traceW.Close()
		return nil, fmt.Errorf("%w: config pipe: %w", ErrSetupFailed, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv built from launcher table and scratch path
	cmd.Dir = spec.Workspace.WorkDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + spec.Workspace.WorkDir,
		"TMPDIR=" + spec.Workspace.WorkDir,
		"LANG=C.UTF-8",
		fmt.Sprintf("%s=%d", initEnv, initConfigFD),
	}
	cmd.ExtraFiles = []*os.File{traceW, cfgR} // fd 3, fd 4
	cmd.SysProcAttr = isolationAttr()

	startErr := cmd.Start()
	_ = traceW.Close()
	_ = cfgR.Close()
	if startErr != nil {
		_ = traceR.Close()
		_ = cfgW.Close()
		return nil, fmt.Errorf("%w: starting strace: %w", ErrSetupFailed, startErr)
	}

	p := &nativeProcess{cmd: cmd, trace: traceR, init: b.exe}
	_, werr := cfgW.Write(cfgData)
	if cerr := cfgW.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = p.Kill()
		_, _ = p.Wait()
		_ = p.Close()
		return nil, fmt.Errorf("%w: sending init config: %w", ErrSetupFailed, werr)
	}
	return p, nil
}

type nativeProcess struct {
	cmd   *exec.Cmd
	trace *os.File
	init  string
}

func (p *nativeProcess) Trace() io.Reader { return p.trace }
func (p *nativeProcess) InitPath() string { return p.init }
func (p *nativeProcess) Close() error     { return p.trace.Close() }

// Kill signals the whole session. strace is pid 1 of the sample's pid
// namespace, so its death takes every descendant with it.
func (p *nativeProcess) Kill() error {
	pid := p.cmd.Process.Pid
	if pid <= 1 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func (p *nativeProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
