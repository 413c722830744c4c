// Package launcher picks the command used to detonate a sample in Tier-2.
package launcher

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"
)

// Launcher knows how to start one kind of file.
type Launcher interface {
	// Name returns the launcher identifier (e.g. "python", "native").
	Name() string

	// Command returns argv for running the sample stored at path.
	Command(path string) []string

	// Extensions lists the lower-case file extensions handled.
	Extensions() []string
}

// Registry maps file types to launchers.
type Registry struct {
	byName map[string]Launcher
	byExt  map[string]Launcher
	native Launcher
}

// NewRegistry creates a registry with all supported launchers.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]Launcher),
		byExt:  make(map[string]Launcher),
		native: Native{},
	}
	r.Register(Native{})
	r.Register(Shell{})
	r.Register(Python{})
	r.Register(Node{})
	r.Register(PowerShell{})
	return r
}

// Register adds l, replacing any launcher with the same name or extension.
func (r *Registry) Register(l Launcher) {
	r.byName[l.Name()] = l
	for _, ext := range l.Extensions() {
		r.byExt[ext] = l
	}
}

// Get returns the launcher registered under name.
func (r *Registry) Get(name string) (Launcher, bool) {
	l, ok := r.byName[name]
	return l, ok
}

// Detect chooses by content first: ELF and shebang files run directly.
// Otherwise the extension decides, and unknown types run directly.
func (r *Registry) Detect(filename string, content []byte) Launcher {
	if bytes.HasPrefix(content, []byte("\x7fELF")) || bytes.HasPrefix(content, []byte("#!")) {
		return r.native
	}
	if l, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return l
	}
	return r.native
}

// Names returns all registered launcher names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Native executes the file itself.
type Native struct{}

func (Native) Name() string                 { return "native" }
func (Native) Command(path string) []string { return []string{path} }
func (Native) Extensions() []string         { return nil }

// Shell runs POSIX shell scripts.
type Shell struct{}

func (Shell) Name() string                 { return "shell" }
func (Shell) Command(path string) []string { return []string{"sh", path} }
func (Shell) Extensions() []string         { return []string{".sh", ".bash"} }

// Python runs scripts unbuffered without writing bytecode.
type Python struct{}

func (Python) Name() string                 { return "python" }
func (Python) Command(path string) []string { return []string{"python3", "-u", "-B", path} }
func (Python) Extensions() []string         { return []string{".py"} }

// Node runs JavaScript.
type Node struct{}

func (Node) Name() string                 { return "node" }
func (Node) Command(path string) []string { return []string{"node", path} }
func (Node) Extensions() []string         { return []string{".js", ".mjs", ".cjs"} }

// PowerShell runs .ps1 scripts non-interactively.
type PowerShell struct{}

func (PowerShell) Name() string { return "powershell" }
func (PowerShell) Command(path string) []string {
	return []string{"pwsh", "-NoProfile", "-NonInteractive", "-File", path}
}
func (PowerShell) Extensions() []string { return []string{".ps1"} }
