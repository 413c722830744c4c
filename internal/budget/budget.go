package budget

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidBudget is returned when a budget or preset name is rejected.
var ErrInvalidBudget = errors.New("invalid resource budget")

// Preset names.
const (
	PresetConservative = "conservative"
	PresetBalanced     = "balanced"
	PresetPerformance  = "performance"
	PresetCustom       = "custom"
)

// Budget is the immutable set of ceilings applied to a single analysis.
// The Tier-1 fields bound the bytecode interpreter; the Child fields are
// enforced by the isolation layer on the Tier-2 process.
type Budget struct {
	Preset string `yaml:"preset" json:"preset"`

	// Tier-1 linear memory ceiling in bytes.
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	// Maximum call depth in frames.
	MaxCallDepth int `yaml:"max_call_depth" json:"max_call_depth"`
	// Operand stack ceiling in bytes (8 bytes per slot).
	MaxStackBytes uint64 `yaml:"max_stack_bytes" json:"max_stack_bytes"`
	// Instruction budget.
	Fuel uint64 `yaml:"fuel" json:"fuel"`
	// Maximum recorded rule matches (tables/handles held by the module).
	MaxTables int `yaml:"max_tables" json:"max_tables"`
	// Wall-clock ceiling for Tier-1 alone.
	Tier1Timeout time.Duration `yaml:"tier1_timeout" json:"tier1_timeout"`

	// Wall-clock ceiling for the whole execution (Tier-1 + Tier-2).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	ChildMemoryBytes  uint64 `yaml:"child_memory_bytes" json:"child_memory_bytes"`
	ChildCPUSeconds   uint64 `yaml:"child_cpu_seconds" json:"child_cpu_seconds"`
	ChildMaxFDs       uint64 `yaml:"child_max_fds" json:"child_max_fds"`
	ChildMaxFileBytes uint64 `yaml:"child_max_file_bytes" json:"child_max_file_bytes"`
	ChildMaxProcesses uint64 `yaml:"child_max_processes" json:"child_max_processes"`
}

// Conservative suits endpoints where the vetting service shares a host with
// the user: small interpreter heap, short deadlines, a child that cannot
// allocate more than a browser tab.
func Conservative() Budget {
	return Budget{
		Preset:            PresetConservative,
		MaxMemoryBytes:    16 << 20,
		MaxCallDepth:      256,
		MaxStackBytes:     64 << 10,
		Fuel:              10_000_000,
		MaxTables:         256,
		Tier1Timeout:      200 * time.Millisecond,
		Timeout:           10 * time.Second,
		ChildMemoryBytes:  128 << 20,
		ChildCPUSeconds:   5,
		ChildMaxFDs:       64,
		ChildMaxFileBytes: 16 << 20,
		ChildMaxProcesses: 16,
	}
}

// Balanced is the default for a dedicated vetting host.
func Balanced() Budget {
	return Budget{
		Preset:            PresetBalanced,
		MaxMemoryBytes:    64 << 20,
		MaxCallDepth:      1024,
		MaxStackBytes:     256 << 10,
		Fuel:              50_000_000,
		MaxTables:         1024,
		Tier1Timeout:      500 * time.Millisecond,
		Timeout:           30 * time.Second,
		ChildMemoryBytes:  256 << 20,
		ChildCPUSeconds:   10,
		ChildMaxFDs:       128,
		ChildMaxFileBytes: 64 << 20,
		ChildMaxProcesses: 32,
	}
}

// Performance trades isolation headroom for coverage of large installers
// that legitimately unpack for a while before showing behaviour.
func Performance() Budget {
	return Budget{
		Preset:            PresetPerformance,
		MaxMemoryBytes:    256 << 20,
		MaxCallDepth:      4096,
		MaxStackBytes:     1 << 20,
		Fuel:              200_000_000,
		MaxTables:         4096,
		Tier1Timeout:      2 * time.Second,
		Timeout:           60 * time.Second,
		ChildMemoryBytes:  1 << 30,
		ChildCPUSeconds:   30,
		ChildMaxFDs:       256,
		ChildMaxFileBytes: 256 << 20,
		ChildMaxProcesses: 64,
	}
}

// Default returns the Balanced preset.
func Default() Budget {
	return Balanced()
}

// Preset resolves a preset name (case-insensitive).
func Preset(name string) (Budget, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetConservative:
		return Conservative(), nil
	case PresetBalanced, "":
		return Balanced(), nil
	case PresetPerformance:
		return Performance(), nil
	default:
		return Budget{}, fmt.Errorf("%w: unknown preset %q (want conservative, balanced or performance)", ErrInvalidBudget, name)
	}
}

// Validate checks that every ceiling is set and within sane bounds.
func (b Budget) Validate() error {
	if b.MaxMemoryBytes < 64<<10 || b.MaxMemoryBytes > 4<<30 {
		return fmt.Errorf("%w: max_memory_bytes must be 64KiB-4GiB, got %d", ErrInvalidBudget, b.MaxMemoryBytes)
	}
	if b.MaxCallDepth < 8 || b.MaxCallDepth > 65536 {
		return fmt.Errorf("%w: max_call_depth must be 8-65536, got %d", ErrInvalidBudget, b.MaxCallDepth)
	}
	if b.MaxStackBytes < 1<<10 || b.MaxStackBytes > 64<<20 {
		return fmt.Errorf("%w: max_stack_bytes must be 1KiB-64MiB, got %d", ErrInvalidBudget, b.MaxStackBytes)
	}
	if b.Fuel < 1000 {
		return fmt.Errorf("%w: fuel must be >= 1000, got %d", ErrInvalidBudget, b.Fuel)
	}
	if b.MaxTables < 1 {
		return fmt.Errorf("%w: max_tables must be >= 1, got %d", ErrInvalidBudget, b.MaxTables)
	}
	if b.Tier1Timeout <= 0 {
		return fmt.Errorf("%w: tier1_timeout must be positive", ErrInvalidBudget)
	}
	if b.Timeout < b.Tier1Timeout {
		return fmt.Errorf("%w: timeout (%s) must be >= tier1_timeout (%s)", ErrInvalidBudget, b.Timeout, b.Tier1Timeout)
	}
	if b.ChildMemoryBytes < 16<<20 {
		return fmt.Errorf("%w: child_memory_bytes must be >= 16MiB, got %d", ErrInvalidBudget, b.ChildMemoryBytes)
	}
	if b.ChildCPUSeconds < 1 {
		return fmt.Errorf("%w: child_cpu_seconds must be >= 1", ErrInvalidBudget)
	}
	if b.ChildMaxFDs < 8 {
		return fmt.Errorf("%w: child_max_fds must be >= 8, got %d", ErrInvalidBudget, b.ChildMaxFDs)
	}
	if b.ChildMaxFileBytes < 1<<20 {
		return fmt.Errorf("%w: child_max_file_bytes must be >= 1MiB, got %d", ErrInvalidBudget, b.ChildMaxFileBytes)
	}
	if b.ChildMaxProcesses < 1 {
		return fmt.Errorf("%w: child_max_processes must be >= 1", ErrInvalidBudget)
	}
	return nil
}

// StackSlots is the operand stack capacity in 64-bit slots.
func (b Budget) StackSlots() int {
	return int(b.MaxStackBytes / 8)
}

// Override copies every non-zero field of o onto b and marks the result custom.
func (b Budget) Override(o Budget) Budget {
	out := b
	if o.MaxMemoryBytes != 0 {
		out.MaxMemoryBytes = o.MaxMemoryBytes
	}
	if o.MaxCallDepth != 0 {
		out.MaxCallDepth = o.MaxCallDepth
	}
	if o.MaxStackBytes != 0 {
		out.MaxStackBytes = o.MaxStackBytes
	}
	if o.Fuel != 0 {
		out.Fuel = o.Fuel
	}
	if o.MaxTables != 0 {
		out.MaxTables = o.MaxTables
	}
	if o.Tier1Timeout != 0 {
		out.Tier1Timeout = o.Tier1Timeout
	}
	if o.Timeout != 0 {
		out.Timeout = o.Timeout
	}
	if o.ChildMemoryBytes != 0 {
		out.ChildMemoryBytes = o.ChildMemoryBytes
	}
	if o.ChildCPUSeconds != 0 {
		out.ChildCPUSeconds = o.ChildCPUSeconds
	}
	if o.ChildMaxFDs != 0 {
		out.ChildMaxFDs = o.ChildMaxFDs
	}
	if o.ChildMaxFileBytes != 0 {
		out.ChildMaxFileBytes = o.ChildMaxFileBytes
	}
	if o.ChildMaxProcesses != 0 {
		out.ChildMaxProcesses = o.ChildMaxProcesses
	}
	o.Preset = ""
	if o != (Budget{}) {
		out.Preset = PresetCustom
	}
	return out
}
