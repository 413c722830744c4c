package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/config"
	"vetbox/internal/monitor"
	"vetbox/pkg/seccomp"
)

const (
	containerPrefix  = "vetbox-"
	containerScratch = "/scratch"
)

// redirectScript moves the container's stderr to fd 3 for the trace and
// silences the sample's own output.
const redirectScript = `exec 3>&2 >/dev/null 2>&1; exec "$@"`

// dockerBackend shells out to the docker CLI. strace runs inside the
// analysis image.
type dockerBackend struct {
	image      string
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
	mon        *monitor.StraceMonitor
}

func newDockerBackend(cfg config.Tier2Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %w", ErrSandboxUnavailable, err)
	}
	d := &dockerBackend{
		image:      cfg.Image,
		dockerHost: resolveDockerHost(),
		mon:        monitor.NewImageStraceMonitor(),
	}
	if err := d.command(context.Background(), "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %w", ErrSandboxUnavailable, err)
	}
	return d, nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *dockerBackend) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

func (d *dockerBackend) Name() string                    { return "docker" }
func (d *dockerBackend) Monitor() monitor.SyscallMonitor { return d.mon }
func (d *dockerBackend) Close() error                    { return nil }

func (d *dockerBackend) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := shareWorkspace(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	seccompPath := filepath.Join(spec.Workspace.Dir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing seccomp profile: %w", ErrSetupFailed, err)
	}

	traceR, traceW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: trace pipe: %w", ErrSetupFailed, err)
	}

	name := containerPrefix + spec.ID
	cmd := d.command(context.Background(), d.buildDockerArgs(name, spec, seccompPath)...)
	cmd.Stderr = traceW

	startErr := cmd.Start()
	_ = traceW.Close()
	if startErr != nil {
		_ = traceR.Close()
		return nil, fmt.Errorf("%w: docker run: %w", ErrSetupFailed, startErr)
	}
	log.Debug().Str("container", name).Str("image", d.image).Msg("docker container started")

	return &dockerProcess{backend: d, cmd: cmd, name: name, trace: traceR}, nil
}

// containerArgv is the in-container command: the redirect shell around the
// traced sample.
func containerArgv(m monitor.SyscallMonitor, spec LaunchSpec) []string {
	argv := []string{"sh", "-c", redirectScript, "vetbox"}
	return append(argv, tracedArgv(m, spec, containerScratch+"/"+spec.SampleName)...)
}

func (d *dockerBackend) buildDockerArgs(name string, spec LaunchSpec, seccompPath string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", "vetbox.exec=" + spec.ID,
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
	}
	args = append(args, spec.Limits.DockerArgs()...)
	args = append(args,
		"-v", fmt.Sprintf("%s:%s:rw", spec.Workspace.WorkDir, containerScratch),
		"-w", containerScratch,
		"--user", fmt.Sprintf("%d:%d", sandboxUID, sandboxUID),
		"-e", "HOME="+containerScratch,
		"-e", "TMPDIR="+containerScratch,
		"-e", "LANG=C.UTF-8",
		d.image,
	)
	return append(args, containerArgv(d.mon, spec)...)
}

// Sweep removes vetbox containers that survived a crash of an earlier run.
func (d *dockerBackend) Sweep(ctx context.Context) (int, error) {
	out, err := d.command(ctx, "ps", "-a", "--filter", "name="+containerPrefix, "-q").Output()
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	var cleaned int
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		if err := d.command(ctx, "rm", "-f", id).Run(); err != nil {
			log.Error().Err(err).Str("container_id", id).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

type dockerProcess struct {
	backend *dockerBackend
	cmd     *exec.Cmd
	name    string
	trace   *os.File
}

func (p *dockerProcess) Trace() io.Reader { return p.trace }
func (p *dockerProcess) InitPath() string { return "" }
func (p *dockerProcess) Close() error     { return p.trace.Close() }

// Kill removes the container; killing the docker client alone would leave
// it running.
func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rmErr := p.backend.command(ctx, "rm", "-f", p.name).Run()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Join(rmErr, err)
	}
	return rmErr
}

func (p *dockerProcess) Wait() (int, error) {
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

// shareWorkspace opens the work dir and sample to the unprivileged
// container user.
func shareWorkspace(spec LaunchSpec) error {
	if err := os.Chmod(spec.Workspace.WorkDir, 0o777); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return fmt.Errorf("chmod work dir: %w", err)
	}
	sample := filepath.Join(spec.Workspace.WorkDir, spec.SampleName)
	info, err := os.Stat(sample)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0o100 != 0 {
		mode |= 0o055
	} else {
		mode |= 0o044
	}
	return os.Chmod(sample, mode&fs.ModePerm) // #nosec G302 -- read-only for everyone
}
