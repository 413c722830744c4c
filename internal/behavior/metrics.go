// Package behavior folds Tier-2 syscall events into per-category counters
// and scores them.
package behavior

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vetbox/internal/monitor"
)

// Heap-spray detection thresholds.
const (
	heapSprayMaps  = 512
	heapSprayBytes = 256 << 20
)

// Metrics are the behavioural counters of one Tier-2 execution.
type Metrics struct {
	Events int `json:"events"`

	FileOps         int `json:"file_ops"`
	FileWrites      int `json:"file_writes"`
	FileDeletes     int `json:"file_deletes"`
	FileRenames     int `json:"file_renames"`
	SensitiveAccess int `json:"sensitive_access"`

	ProcessOps     int `json:"process_ops"`
	ProcessSpawns  int `json:"process_spawns"`
	Execs          int `json:"execs"`
	Signals        int `json:"signals"`
	Ptrace         int `json:"ptrace"`
	PrivilegeCalls int `json:"privilege_calls"`

	MemoryOps    int    `json:"memory_ops"`
	AnonMaps     int    `json:"anon_maps"`
	AnonBytes    uint64 `json:"anon_bytes"`
	ExecMappings int    `json:"exec_mappings"`
	MemfdCreates int    `json:"memfd_creates"`

	NetworkOps int `json:"network_ops"`
	Sockets    int `json:"sockets"`
	Connects   int `json:"connects"`
	Listens    int `json:"listens"`
	Sends      int `json:"sends"`

	PersistenceOps int `json:"persistence_ops"`

	CodeInjection bool `json:"code_injection"`
	HeapSpray     bool `json:"heap_spray"`

	FirstEvent time.Time `json:"first_event,omitzero"`
	LastEvent  time.Time `json:"last_event,omitzero"`
}

// Span is the time between the first and last observed event.
func (m Metrics) Span() time.Duration {
	if m.FirstEvent.IsZero() {
		return 0
	}
	return m.LastEvent.Sub(m.FirstEvent)
}

// Aggregator folds events into Metrics as they arrive. It belongs to a
// single execution; after Finalize further events are ignored.
type Aggregator struct {
	mu        sync.Mutex
	m         Metrics
	finalized bool
	onEvent   func(Category)
}

// NewAggregator returns an empty aggregator. onEvent, if set, is called for
// every classified event (used for per-category telemetry).
func NewAggregator(onEvent func(Category)) *Aggregator {
	return &Aggregator{onEvent: onEvent}
}

// Observe folds one event. Safe to call from the monitor goroutine while
// another goroutine takes snapshots.
func (a *Aggregator) Observe(ev monitor.SyscallEvent) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return
	}
	cat, ok := a.fold(ev)
	a.mu.Unlock()

	if ok && a.onEvent != nil {
		a.onEvent(cat)
	}
}

// Snapshot returns a copy of the counters so far.
func (a *Aggregator) Snapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m
}

// Finalize stops aggregation and returns the final counters.
func (a *Aggregator) Finalize() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true
	return a.m
}

func (a *Aggregator) fold(ev monitor.SyscallEvent) (Category, bool) {
	m := &a.m
	m.Events++
	if !ev.At.IsZero() {
		if m.FirstEvent.IsZero() {
			m.FirstEvent = ev.At
		}
		m.LastEvent = ev.At
	}

	switch ev.Name {
	case "open", "creat":
		return a.fileOpen(unquote(ev.Arg(0)), ev.Arg(1), ev.Name == "creat")
	case "openat", "openat2":
		return a.fileOpen(unquote(ev.Arg(1)), ev.Arg(2), false)

	case "unlink", "rmdir":
		return a.fileDelete(unquote(ev.Arg(0)))
	case "unlinkat":
		return a.fileDelete(unquote(ev.Arg(1)))

	case "rename":
		return a.fileRename(unquote(ev.Arg(1)))
	case "renameat", "renameat2":
		return a.fileRename(unquote(ev.Arg(3)))

	case "chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
		"truncate", "ftruncate", "mkdir", "mkdirat", "symlink", "symlinkat",
		"link", "linkat", "utimensat":
		m.FileOps++
		if ev.Name == "symlink" || ev.Name == "symlinkat" || ev.Name == "link" || ev.Name == "linkat" {
			if isPersistencePath(unquote(ev.Arg(len(ev.Args) - 1))) {
				m.PersistenceOps++
			}
		}
		return CategoryFile, true

	case "execve", "execveat":
		m.ProcessOps++
		m.Execs++
		if strings.HasPrefix(unquote(ev.Arg(0)), "/proc/self/fd/") || ev.Name == "execveat" && m.MemfdCreates > 0 {
			a.flagInjection("fileless exec")
		}
		if isPersistenceTool(unquote(ev.Arg(0))) {
			m.PersistenceOps++
		}
		return CategoryProcess, true
	case "clone", "clone3", "fork", "vfork":
		m.ProcessOps++
		if !strings.Contains(ev.Arg(0), "CLONE_THREAD") && !strings.Contains(ev.Arg(1), "CLONE_THREAD") {
			m.ProcessSpawns++
		}
		return CategoryProcess, true
	case "kill", "tkill", "tgkill":
		m.ProcessOps++
		m.Signals++
		return CategoryProcess, true
	case "ptrace":
		m.ProcessOps++
		m.Ptrace++
		req := ev.Arg(0)
		if strings.Contains(req, "POKE") || strings.Contains(req, "ATTACH") || strings.Contains(req, "SEIZE") || strings.Contains(req, "SETREGS") {
			a.flagInjection("ptrace " + req)
		}
		return CategoryProcess, true
	case "process_vm_writev":
		m.ProcessOps++
		a.flagInjection("process_vm_writev")
		return CategoryProcess, true
	case "setuid", "setgid", "setreuid", "setregid", "setresuid", "setresgid", "capset", "setns", "unshare", "mount", "pivot_root", "chroot":
		m.ProcessOps++
		m.PrivilegeCalls++
		return CategoryProcess, true

	case "mmap", "mmap2":
		m.MemoryOps++
		if strings.Contains(ev.Arg(3), "MAP_ANONYMOUS") {
			m.AnonMaps++
			if n, err := strconv.ParseUint(ev.Arg(1), 0, 64); err == nil {
				m.AnonBytes += n
			}
			if strings.Contains(ev.Arg(2), "PROT_EXEC") {
				m.ExecMappings++
			}
		}
		if m.AnonMaps >= heapSprayMaps || m.AnonBytes >= heapSprayBytes {
			m.HeapSpray = true
		}
		return CategoryMemory, true
	case "mprotect", "pkey_mprotect":
		m.MemoryOps++
		if strings.Contains(ev.Arg(2), "PROT_EXEC") && strings.Contains(ev.Arg(2), "PROT_WRITE") {
			m.ExecMappings++
		}
		return CategoryMemory, true
	case "munmap", "mremap", "brk", "madvise":
		m.MemoryOps++
		return CategoryMemory, true
	case "memfd_create":
		m.MemoryOps++
		m.MemfdCreates++
		return CategoryMemory, true

	case "socket":
		if strings.Contains(ev.Arg(0), "AF_UNIX") || strings.Contains(ev.Arg(0), "AF_LOCAL") {
			return 0, false
		}
		m.NetworkOps++
		m.Sockets++
		return CategoryNetwork, true
	case "connect":
		if strings.Contains(ev.Arg(1), "AF_UNIX") {
			return 0, false
		}
		m.NetworkOps++
		m.Connects++
		return CategoryNetwork, true
	case "bind", "listen", "accept", "accept4":
		if strings.Contains(ev.Arg(1), "AF_UNIX") {
			return 0, false
		}
		m.NetworkOps++
		if ev.Name == "listen" {
			m.Listens++
		}
		return CategoryNetwork, true
	case "sendto", "sendmsg", "sendmmsg":
		m.NetworkOps++
		m.Sends++
		return CategoryNetwork, true
	}
	return 0, false
}

func (a *Aggregator) fileOpen(path, flags string, creat bool) (Category, bool) {
	m := &a.m
	m.FileOps++
	writing := creat || strings.Contains(flags, "O_WRONLY") || strings.Contains(flags, "O_RDWR") ||
		strings.Contains(flags, "O_CREAT") || strings.Contains(flags, "O_TRUNC")
	if writing {
		m.FileWrites++
		if isPersistencePath(path) {
			m.PersistenceOps++
		}
		if isProcMem(path) {
			a.flagInjection("write to " + path)
		}
	}
	if isSensitivePath(path) {
		m.SensitiveAccess++
	}
	return CategoryFile, true
}

func (a *Aggregator) fileDelete(path string) (Category, bool) {
	a.m.FileOps++
	a.m.FileDeletes++
	if isSensitivePath(path) {
		a.m.SensitiveAccess++
	}
	return CategoryFile, true
}

func (a *Aggregator) fileRename(dst string) (Category, bool) {
	a.m.FileOps++
	a.m.FileRenames++
	if isPersistencePath(dst) {
		a.m.PersistenceOps++
	}
	return CategoryFile, true
}

func (a *Aggregator) flagInjection(how string) {
	if a.m.CodeInjection {
		return
	}
	a.m.CodeInjection = true
	log.Warn().Str("indicator", how).Msg("code injection indicator")
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return strings.Trim(s, `"`)
}

var sensitivePaths = []string{
	"/etc/shadow", "/etc/gshadow", "/etc/sudoers", "/.ssh/id_", "/.aws/credentials",
	"/.gnupg/", "/.mozilla/firefox/", "/.config/google-chrome/", "/.docker/config.json",
	"/var/run/docker.sock", "/.kube/config",
}

var persistencePaths = []string{
	"/etc/cron", "/var/spool/cron", "/etc/systemd/", "/.config/systemd/", "/etc/init.d/",
	"/etc/rc.local", "/.bashrc", "/.bash_profile", "/.profile", "/.zshrc", "/.config/autostart/",
	"/.ssh/authorized_keys", "/etc/ld.so.preload", "/Library/LaunchAgents/", "/etc/profile.d/",
}

var persistenceTools = []string{"crontab", "systemctl", "update-rc.d", "chkconfig", "launchctl"}

func isSensitivePath(p string) bool {
	return containsAny(p, sensitivePaths)
}

func isPersistencePath(p string) bool {
	return containsAny(p, persistencePaths)
}

func isPersistenceTool(path string) bool {
	base := path[strings.LastIndexByte(path, '/')+1:]
	for _, t := range persistenceTools {
		if base == t {
			return true
		}
	}
	return false
}

func isProcMem(p string) bool {
	return strings.HasPrefix(p, "/proc/") && strings.HasSuffix(p, "/mem")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
