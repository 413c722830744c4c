package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestWatchdog_Fires(t *testing.T) {
	killed := make(chan struct{})
	wd := StartWatchdog(context.Background(), 10*time.Millisecond, func() { close(killed) })

	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill not called")
	}
	if !wd.Fired() {
		t.Error("Fired() = false, want true")
	}
	if wd.Stop() {
		t.Error("Stop() = true after firing, want false")
	}
}

func TestWatchdog_Stop(t *testing.T) {
	called := make(chan struct{}, 1)
	wd := StartWatchdog(context.Background(), time.Hour, func() { called <- struct{}{} })

	if !wd.Stop() {
		t.Error("Stop() = false, want true")
	}
	if wd.Fired() {
		t.Error("Fired() = true, want false")
	}
	select {
	case <-called:
		t.Error("kill called after Stop")
	default:
	}
}

func TestWatchdog_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	killed := make(chan struct{})
	wd := StartWatchdog(ctx, time.Hour, func() { close(killed) })

	cancel()
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill not called on cancellation")
	}
	if !wd.Fired() {
		t.Error("Fired() = false, want true")
	}
	if wd.Stop() {
		t.Error("Stop() = true after firing, want false")
	}
}

func TestWatchdog_CancelAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 2)
	wd := StartWatchdog(ctx, time.Hour, func() { called <- struct{}{} })

	if !wd.Stop() {
		t.Error("Stop() = false, want true")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	if wd.Fired() {
		t.Error("Fired() = true after exit, want false")
	}
	select {
	case <-called:
		t.Error("kill called after Stop")
	default:
	}
}
