package sandbox

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

const (
	reapTimeout     = 30 * time.Second
	taskStopTimeout = 5 * time.Second
)

// reap kills whatever still runs in container, then deletes its task,
// snapshot and metadata. Missing pieces are not an error.
func (b *containerdBackend) reap(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.client.WithNamespace(ctx), reapTimeout)
	defer cancel()

	id := container.ID()
	if task, err := container.Task(ctx, nil); err == nil {
		stopTask(ctx, id, task)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", id).Msg("failed to delete task")
		}
	}

	err := container.Delete(ctx, containerd.WithSnapshotCleanup)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

func stopTask(ctx context.Context, id string, task containerd.Task) {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return
	}
	_ = task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll)

	waitCtx, cancel := context.WithTimeout(ctx, taskStopTimeout)
	defer cancel()
	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		return
	}
	select {
	case <-exitCh:
	case <-waitCtx.Done():
		log.Warn().Str("container_id", id).Msg("task did not stop after SIGKILL")
	}
}

// Sweep reaps containers named with the vetbox prefix that a previous
// process left behind.
func (b *containerdBackend) Sweep(ctx context.Context) (int, error) {
	containers, err := b.client.Raw().Containers(b.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var reaped int
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), containerPrefix) {
			continue
		}
		if err := b.reap(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to reap orphaned container")
			continue
		}
		reaped++
	}
	return reaped, nil
}
