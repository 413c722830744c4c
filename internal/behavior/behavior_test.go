package behavior

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"vetbox/internal/monitor"
)

func ev(name string, args ...string) monitor.SyscallEvent {
	return monitor.SyscallEvent{At: time.Unix(1700000000, 0), PID: 1, Name: name, Args: args}
}

func TestAggregator_Classification(t *testing.T) {
	tests := []struct {
		name  string
		event monitor.SyscallEvent
		check func(Metrics) bool
	}{
		{"openat write", ev("openat", "AT_FDCWD", `"/tmp/out"`, "O_WRONLY|O_CREAT|O_TRUNC", "0644"),
			func(m Metrics) bool { return m.FileOps == 1 && m.FileWrites == 1 }},
		{"openat read", ev("openat", "AT_FDCWD", `"/usr/lib/libc.so.6"`, "O_RDONLY|O_CLOEXEC"),
			func(m Metrics) bool { return m.FileOps == 1 && m.FileWrites == 0 }},
		{"shadow read", ev("openat", "AT_FDCWD", `"/etc/shadow"`, "O_RDONLY"),
			func(m Metrics) bool { return m.SensitiveAccess == 1 }},
		{"unlinkat", ev("unlinkat", "AT_FDCWD", `"/home/u/doc.txt"`, "0"),
			func(m Metrics) bool { return m.FileDeletes == 1 }},
		{"rename into cron", ev("rename", `"/tmp/x"`, `"/etc/cron.d/job"`),
			func(m Metrics) bool { return m.FileRenames == 1 && m.PersistenceOps == 1 }},
		{"bashrc append", ev("open", `"/home/u/.bashrc"`, "O_WRONLY|O_APPEND"),
			func(m Metrics) bool { return m.PersistenceOps == 1 }},
		{"fork", ev("clone", "child_stack=NULL", "flags=CLONE_CHILD_CLEARTID|SIGCHLD", "child_tidptr=0x7f"),
			func(m Metrics) bool { return m.ProcessSpawns == 1 }},
		{"thread", ev("clone3", "{flags=CLONE_VM|CLONE_FS|CLONE_THREAD, exit_signal=0}", "88"),
			func(m Metrics) bool { return m.ProcessOps == 1 && m.ProcessSpawns == 0 }},
		{"execve crontab", ev("execve", `"/usr/bin/crontab"`, `["crontab", "-"]`, "0x7ff"),
			func(m Metrics) bool { return m.Execs == 1 && m.PersistenceOps == 1 }},
		{"ptrace attach", ev("ptrace", "PTRACE_ATTACH", "1234"),
			func(m Metrics) bool { return m.Ptrace == 1 && m.CodeInjection }},
		{"ptrace traceme", ev("ptrace", "PTRACE_TRACEME"),
			func(m Metrics) bool { return m.Ptrace == 1 && !m.CodeInjection }},
		{"process_vm_writev", ev("process_vm_writev", "1234"),
			func(m Metrics) bool { return m.CodeInjection }},
		{"proc mem write", ev("openat", "AT_FDCWD", `"/proc/1234/mem"`, "O_RDWR"),
			func(m Metrics) bool { return m.CodeInjection }},
		{"rwx anon map", ev("mmap", "NULL", "4096", "PROT_READ|PROT_WRITE|PROT_EXEC", "MAP_PRIVATE|MAP_ANONYMOUS", "-1", "0"),
			func(m Metrics) bool { return m.AnonMaps == 1 && m.AnonBytes == 4096 && m.ExecMappings == 1 }},
		{"mprotect wx", ev("mprotect", "0x7f00", "4096", "PROT_WRITE|PROT_EXEC"),
			func(m Metrics) bool { return m.ExecMappings == 1 }},
		{"inet socket", ev("socket", "AF_INET", "SOCK_STREAM", "IPPROTO_TCP"),
			func(m Metrics) bool { return m.Sockets == 1 && m.NetworkOps == 1 }},
		{"unix socket ignored", ev("socket", "AF_UNIX", "SOCK_STREAM", "0"),
			func(m Metrics) bool { return m.NetworkOps == 0 && m.Events == 1 }},
		{"connect", ev("connect", "3", `{sa_family=AF_INET, sin_port=htons(4444)}`, "16"),
			func(m Metrics) bool { return m.Connects == 1 }},
		{"listen", ev("listen", "3", "5"),
			func(m Metrics) bool { return m.Listens == 1 }},
		{"unclassified", ev("getpid"),
			func(m Metrics) bool { return m.Events == 1 && m.FileOps+m.ProcessOps+m.MemoryOps+m.NetworkOps == 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(nil)
			a.Observe(tt.event)
			if m := a.Finalize(); !tt.check(m) {
				t.Errorf("unexpected metrics after %s: %+v", tt.event.Name, m)
			}
		})
	}
}

func TestAggregator_HeapSpray(t *testing.T) {
	a := NewAggregator(nil)
	for range heapSprayMaps {
		a.Observe(ev("mmap", "NULL", "65536", "PROT_READ|PROT_WRITE", "MAP_PRIVATE|MAP_ANONYMOUS", "-1", "0"))
	}
	if m := a.Finalize(); !m.HeapSpray {
		t.Errorf("HeapSpray = false after %d anonymous maps", heapSprayMaps)
	}
}

func TestAggregator_FinalizeStopsAggregation(t *testing.T) {
	a := NewAggregator(nil)
	a.Observe(ev("unlink", `"/a"`))
	first := a.Finalize()
	a.Observe(ev("unlink", `"/b"`))
	if got := a.Snapshot(); got.FileDeletes != first.FileDeletes {
		t.Errorf("FileDeletes = %d after finalize, want %d", got.FileDeletes, first.FileDeletes)
	}
}

func TestAggregator_ConcurrentSnapshot(t *testing.T) {
	var mu sync.Mutex
	counts := map[Category]int{}
	a := NewAggregator(func(c Category) {
		mu.Lock()
		counts[c]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			a.Observe(ev("openat", "AT_FDCWD", fmt.Sprintf(`"/tmp/%d"`, i), "O_WRONLY|O_CREAT"))
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			_ = a.Snapshot()
		}
	}()
	wg.Wait()

	if m := a.Finalize(); m.FileWrites != 1000 {
		t.Errorf("FileWrites = %d, want 1000", m.FileWrites)
	}
	if counts[CategoryFile] != 1000 {
		t.Errorf("file callbacks = %d, want 1000", counts[CategoryFile])
	}
}

func TestMetrics_Span(t *testing.T) {
	a := NewAggregator(nil)
	if a.Snapshot().Span() != 0 {
		t.Error("empty metrics span != 0")
	}
	e1 := ev("getpid")
	e2 := ev("getpid")
	e2.At = e1.At.Add(8 * time.Second)
	a.Observe(e1)
	a.Observe(e2)
	if got := a.Finalize().Span(); got != 8*time.Second {
		t.Errorf("Span() = %s, want 8s", got)
	}
}

func TestEvaluate_Empty(t *testing.T) {
	s := Evaluate(Metrics{})
	if s.Value != 0 {
		t.Errorf("Value = %v, want 0", s.Value)
	}
	if len(s.Explanations) != 0 {
		t.Errorf("Explanations = %v, want none", s.Explanations)
	}
}

func TestEvaluate_FileLadder(t *testing.T) {
	tests := []struct {
		ops  int
		want float64
	}{
		{10, 0},
		{50, 0},
		{51, 0.40 * 0.40},
		{100, 0.40 * 0.40},
		{101, 0.75 * 0.40},
		{150, 0.30},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.ops), func(t *testing.T) {
			s := Evaluate(Metrics{FileOps: tt.ops, FileWrites: tt.ops})
			if math.Abs(s.Value-tt.want) > 1e-9 {
				t.Errorf("Evaluate(%d file ops) = %v, want %v", tt.ops, s.Value, tt.want)
			}
		})
	}
}

func TestEvaluate_Explanations(t *testing.T) {
	s := Evaluate(Metrics{FileOps: 150, Connects: 1, Sockets: 1})
	if len(s.Explanations) != 3 {
		t.Fatalf("Explanations = %v, want 3 entries", s.Explanations)
	}
	if !strings.HasPrefix(s.Explanations[0], "file: 150 file operations (>100)") {
		t.Errorf("Explanations[0] = %q", s.Explanations[0])
	}
}

func TestEvaluate_CategoryCap(t *testing.T) {
	m := Metrics{
		ProcessSpawns:  100,
		Execs:          100,
		Signals:        100,
		Ptrace:         3,
		PrivilegeCalls: 3,
		CodeInjection:  true,
	}
	s := Evaluate(m)
	if s.Categories["process"] != 1 {
		t.Errorf("process category = %v, want capped at 1", s.Categories["process"])
	}
	if math.Abs(s.Value-0.30) > 1e-9 {
		t.Errorf("Value = %v, want 0.30", s.Value)
	}
}

func TestEvaluate_Maximum(t *testing.T) {
	m := Metrics{
		FileOps: 1000, FileDeletes: 100, FileRenames: 100, SensitiveAccess: 10,
		ProcessSpawns: 100, CodeInjection: true,
		AnonMaps: 1000, ExecMappings: 10, HeapSpray: true,
		Sockets: 100, Connects: 100, Listens: 1,
		PersistenceOps: 5,
	}
	if s := Evaluate(m); math.Abs(s.Value-1) > 1e-9 {
		t.Errorf("Value = %v, want 1", s.Value)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	m := Metrics{FileOps: 77, Connects: 2, ExecMappings: 1}
	a, b := Evaluate(m), Evaluate(m)
	if a.Value != b.Value || strings.Join(a.Explanations, "|") != strings.Join(b.Explanations, "|") {
		t.Error("Evaluate is not deterministic")
	}
}

func TestCategory_Weights(t *testing.T) {
	var sum float64
	for c := range numCategories {
		sum += c.Weight()
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
}
