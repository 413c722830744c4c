package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newScratch(t *testing.T) *Scratch {
	t.Helper()
	s, err := NewScratch(t.TempDir())
	if err != nil {
		t.Fatalf("NewScratch: %v", err)
	}
	return s
}

func TestNewScratch_RelativeRoot(t *testing.T) {
	if _, err := NewScratch("relative/dir"); !errors.Is(err, ErrSetupFailed) {
		t.Errorf("NewScratch(relative) error = %v, want ErrSetupFailed", err)
	}
}

func TestScratch_CreateAndRelease(t *testing.T) {
	s := newScratch(t)

	ws, err := s.Create("abc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Base(ws.Dir) != "vetbox-abc" {
		t.Errorf("Dir = %q, want vetbox-abc", ws.Dir)
	}
	if ws.WorkDir != filepath.Join(ws.Dir, "work") {
		t.Errorf("WorkDir = %q, want work under Dir", ws.WorkDir)
	}
	if _, err := s.Create("abc"); err == nil {
		t.Error("Create with duplicate id succeeded, want error")
	}

	if err := s.Release(ws); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Dir still exists after Release: %v", err)
	}
}

func TestScratch_ReleaseReadOnlyTree(t *testing.T) {
	s := newScratch(t)
	ws, err := s.Create("ro")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	nested := filepath.Join(ws.WorkDir, "locked")
	if err := os.Mkdir(nested, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "f"), []byte("x"), 0o400); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(nested, 0o500); err != nil {
		t.Fatal(err)
	}

	if err := s.Release(ws); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Dir still exists after Release: %v", err)
	}
}

func TestScratch_WriteSample(t *testing.T) {
	tests := []struct {
		name       string
		executable bool
		want       fs.FileMode
	}{
		{"sample.py", false, 0o400},
		{"sample", true, 0o500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScratch(t)
			ws, err := s.Create("w")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			defer s.Release(ws)

			path, err := s.WriteSample(ws, tt.name, []byte("payload"), tt.executable)
			if err != nil {
				t.Fatalf("WriteSample: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if got := info.Mode().Perm(); got != tt.want {
				t.Errorf("mode = %o, want %o", got, tt.want)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "payload" {
				t.Errorf("content = %q, want payload", data)
			}
			if _, err := s.WriteSample(ws, tt.name, []byte("again"), tt.executable); err == nil {
				t.Error("second WriteSample succeeded, want error")
			}
		})
	}
}

func TestScratch_SweepLeftovers(t *testing.T) {
	s := newScratch(t)

	leftover := filepath.Join(s.Root(), "vetbox-crashed")
	if err := os.MkdirAll(filepath.Join(leftover, "work"), 0o700); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(s.Root(), "keep-me")
	if err := os.Mkdir(unrelated, 0o700); err != nil {
		t.Fatal(err)
	}
	active, err := s.Create("running")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, fs.ErrNotExist) {
		t.Error("leftover workspace not removed")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated dir removed: %v", err)
	}
	if _, err := os.Stat(active.Dir); err != nil {
		t.Errorf("active workspace removed: %v", err)
	}
}

func TestScratch_DuplicateCreateKeepsOwner(t *testing.T) {
	s := newScratch(t)

	ws, err := s.Create("dup")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("dup"); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second Create error = %v, want fs.ErrExist", err)
	}
	if _, err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(ws.WorkDir); err != nil {
		t.Errorf("first workspace swept after a duplicate Create: %v", err)
	}
}

func TestScratch_SweepDuringCreate(t *testing.T) {
	s := newScratch(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = s.Sweep()
			}
		}
	}()

	var failures int
	for i := range 1000 {
		ws, err := s.Create(fmt.Sprintf("run-%d", i))
		if err != nil {
			failures++
			continue
		}
		if _, err := s.WriteSample(ws, "sample", []byte("x"), false); err != nil {
			failures++
		}
		_ = s.Release(ws)
	}
	close(stop)
	wg.Wait()

	if failures != 0 {
		t.Errorf("%d of 1000 workspaces lost to a concurrent sweep", failures)
	}
}

func TestScratch_SweepManifest(t *testing.T) {
	s := newScratch(t)

	orphan := filepath.Join(s.Root(), "vetbox-old")
	if err := os.Mkdir(orphan, 0o700); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	lines := []OrphanEntry{
		{Dir: orphan, MarkedAt: time.Now()},
		{Dir: outside, MarkedAt: time.Now()},
	}
	f, err := os.Create(filepath.Join(s.Root(), manifestName))
	if err != nil {
		t.Fatal(err)
	}
	enc := json.NewEncoder(f)
	for _, e := range lines {
		if err := enc.Encode(e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	orphans, err := s.Orphans()
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Dir != orphan {
		t.Errorf("Orphans = %+v, want only %s", orphans, orphan)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("dir outside scratch root touched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), manifestName)); !errors.Is(err, fs.ErrNotExist) {
		t.Error("manifest not removed after a clean sweep")
	}
}

func TestScratch_Owns(t *testing.T) {
	s := &Scratch{root: "/var/scratch"}
	tests := []struct {
		dir  string
		want bool
	}{
		{"/var/scratch/vetbox-1", true},
		{"/var/scratch/other", false},
		{"/var/scratch/vetbox-1/work", false},
		{"/var/scratch/../vetbox-1", false},
		{"/etc", false},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			if got := s.owns(tt.dir); got != tt.want {
				t.Errorf("owns(%q) = %v, want %v", tt.dir, got, tt.want)
			}
		})
	}
}
