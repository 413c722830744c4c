package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/rs/zerolog/log"

	"vetbox/internal/config"
	"vetbox/internal/launcher"
	"vetbox/internal/monitor"
)

// traceFD is the descriptor strace writes its trace to in every backend.
const traceFD = 3

// initEnv marks a process as the Tier-2 init helper; its value is the
// config descriptor, or initCheck for a capability check.
const (
	initEnv   = "VETBOX_SANDBOX_INIT"
	initCheck = "check"
)

// LaunchSpec describes one detonation for a backend.
type LaunchSpec struct {
	ID         string
	Workspace  *Workspace
	SampleName string
	Launcher   launcher.Launcher
	Limits     ResourceLimits
}

// Process is a started child. Trace yields raw monitor output until every
// traced process has exited.
type Process interface {
	Trace() io.Reader
	Wait() (int, error)
	// Kill stops the child and everything it spawned.
	Kill() error
	// InitPath names a helper the backend execs before the sample, whose
	// events are not part of the sample's behaviour. Empty if none.
	InitPath() string
	// Close releases the trace reader, unblocking a pending read.
	Close() error
}

// Backend launches isolated, traced children.
type Backend interface {
	Name() string
	Monitor() monitor.SyscallMonitor
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
	// Sweep removes backend resources left behind by earlier runs.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// tracedArgv is the sample command wrapped for tracing to traceFD.
func tracedArgv(m monitor.SyscallMonitor, spec LaunchSpec, samplePath string) []string {
	return m.Wrap(spec.Launcher.Command(samplePath), fmt.Sprintf("/dev/fd/%d", traceFD))
}

// NewBackend picks the configured backend. "auto" prefers the native process
// backend on Linux, then containerd, then Docker.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	preference := cfg.Tier2.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "none":
		return nil, fmt.Errorf("%w: disabled by configuration", ErrSandboxUnavailable)
	case "process":
		return newProcessBackend(cfg.Tier2)
	case "containerd":
		return newContainerdBackend(ctx, cfg.Tier2)
	case "docker":
		return newDockerBackend(cfg.Tier2)
	case "auto":
		var errs []error
		if runtime.GOOS == "linux" {
			backend, err := newProcessBackend(cfg.Tier2)
			if err == nil {
				if err = backend.Monitor().Available(); err == nil {
					log.Info().Msg("using process backend")
					return backend, nil
				}
				_ = backend.Close()
			}
			log.Warn().Err(err).Msg("process backend unavailable, trying containerd")
			errs = append(errs, err)

			backend, err = newContainerdBackend(ctx, cfg.Tier2)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
			errs = append(errs, err)
		}

		backend, err := newDockerBackend(cfg.Tier2)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}
		errs = append(errs, err)

		return nil, fmt.Errorf("%w: no tier-2 backend available: %w", ErrSandboxUnavailable, errors.Join(errs...))
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, process, containerd, docker or none", preference)
	}
}
