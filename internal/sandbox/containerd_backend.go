package sandbox

import (
	"context"
	"fmt"
	"io"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog/log"

	"vetbox/internal/config"
	"vetbox/internal/monitor"
)

// containerdBackend runs each sample in a fresh container from the analysis
// image, with strace inside and the container's stderr as the trace.
type containerdBackend struct {
	client *Client
	image  string
	mon    *monitor.StraceMonitor
}

func newContainerdBackend(ctx context.Context, cfg config.Tier2Config) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxUnavailable, err)
	}
	return &containerdBackend{
		client: client,
		image:  cfg.Image,
		mon:    monitor.NewImageStraceMonitor(),
	}, nil
}

func (b *containerdBackend) Name() string                    { return "containerd" }
func (b *containerdBackend) Monitor() monitor.SyscallMonitor { return b.mon }
func (b *containerdBackend) Close() error                    { return b.client.Close() }

func (b *containerdBackend) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := shareWorkspace(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	image, err := b.client.Image(ctx, b.image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	id := containerPrefix + spec.ID
	container, err := b.createContainer(ctx, id, image, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	// Task lifetime is bounded by the watchdog, not the request context.
	nsCtx := b.client.WithNamespace(context.Background())
	pr, pw := io.Pipe()
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, io.Discard, pw)))
	if err != nil {
		_ = pw.Close()
		b.discard(container)
		return nil, fmt.Errorf("%w: creating task: %w", ErrSetupFailed, err)
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_ = pw.Close()
		b.discard(container)
		return nil, fmt.Errorf("%w: task wait: %w", ErrSetupFailed, err)
	}
	if err := task.Start(nsCtx); err != nil {
		_ = pw.Close()
		b.discard(container)
		return nil, fmt.Errorf("%w: task start: %w", ErrSetupFailed, err)
	}

	return &containerdProcess{
		backend:   b,
		container: container,
		task:      task,
		exitCh:    exitCh,
		trace:     pr,
		traceW:    pw,
	}, nil
}

func (b *containerdBackend) createContainer(ctx context.Context, id string, image containerd.Image, spec LaunchSpec) (containerd.Container, error) {
	nsCtx := b.client.WithNamespace(ctx)

	container, err := b.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(containerArgv(b.mon, spec)...),
			oci.WithHostname("vetbox"),
			withDetonation(spec.Workspace.WorkDir, spec.Limits),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

func (b *containerdBackend) discard(container containerd.Container) {
	if err := b.reap(context.Background(), container); err != nil {
		log.Error().Err(err).Msg("container cleanup failed")
	}
}

type containerdProcess struct {
	backend   *containerdBackend
	container containerd.Container
	task      containerd.Task
	exitCh    <-chan containerd.ExitStatus
	trace     *io.PipeReader
	traceW    *io.PipeWriter
}

func (p *containerdProcess) Trace() io.Reader { return p.trace }
func (p *containerdProcess) InitPath() string { return "" }
func (p *containerdProcess) Close() error     { return p.trace.Close() }

func (p *containerdProcess) Kill() error {
	ctx := p.backend.client.WithNamespace(context.Background())
	return p.task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll)
}

// Wait blocks until the task exits, then deletes task and container so the
// stderr copy finishes and the trace reaches EOF.
func (p *containerdProcess) Wait() (int, error) {
	status := <-p.exitCh
	code, _, err := status.Result()

	p.backend.discard(p.container)
	_ = p.traceW.Close()

	if err != nil {
		return -1, err
	}
	return int(code), nil
}
