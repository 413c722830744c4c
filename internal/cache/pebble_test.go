package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	"vetbox/internal/verdict"
)

func openTestPebble(t *testing.T) (*Pebble, *fakeClock) {
	t.Helper()
	p, err := OpenPebble(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	clk := &fakeClock{t: time.Unix(5000, 0)}
	p.now = clk.now
	return p, clk
}

func TestPebble_RoundTrip(t *testing.T) {
	p, _ := openTestPebble(t)
	ctx := context.Background()

	want := sampleResult("deadbeef")
	if err := p.Store(ctx, "deadbeef", want, time.Hour); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok := p.Lookup(ctx, "deadbeef")
	if !ok {
		t.Fatal("Lookup missed after Store")
	}
	if got.Level != want.Level {
		t.Errorf("Level = %v, want %v", got.Level, want.Level)
	}
	if got.Composite != want.Composite {
		t.Errorf("Composite = %v, want %v", got.Composite, want.Composite)
	}
	if len(got.TriggeredRules) != 1 || got.TriggeredRules[0] != "netcat_exec" {
		t.Errorf("TriggeredRules = %v, want [netcat_exec]", got.TriggeredRules)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestPebble_Expiry(t *testing.T) {
	p, clk := openTestPebble(t)
	ctx := context.Background()

	_ = p.Store(ctx, "a", sampleResult("a"), time.Minute)
	clk.t = clk.t.Add(2 * time.Minute)
	if _, ok := p.Lookup(ctx, "a"); ok {
		t.Error("Lookup hit after TTL")
	}
}

func TestPebble_Sweep(t *testing.T) {
	p, clk := openTestPebble(t)
	ctx := context.Background()

	_ = p.Store(ctx, "short", sampleResult("short"), time.Minute)
	_ = p.Store(ctx, "long", sampleResult("long"), time.Hour)
	if err := p.db.Set([]byte("verdict:corrupt"), []byte{1, 2}, pebble.Sync); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := p.db.Set([]byte("other:key"), []byte{1, 2}, pebble.Sync); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clk.t = clk.t.Add(10 * time.Minute)
	n, err := p.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if _, ok := p.Lookup(ctx, "long"); !ok {
		t.Error("unexpired entry swept")
	}
	if _, closer, err := p.db.Get([]byte("other:key")); err != nil {
		t.Errorf("key outside prefix removed: %v", err)
	} else {
		closer.Close()
	}
}

func TestPebble_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := OpenPebble(dir, 0)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	if err := p.Store(ctx, "a", sampleResult("a"), time.Hour); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p, err = OpenPebble(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close()
	got, ok := p.Lookup(ctx, "a")
	if !ok {
		t.Fatal("Lookup missed after reopen")
	}
	if got.Level != verdict.Malicious {
		t.Errorf("Level = %v, want %v", got.Level, verdict.Malicious)
	}
}
