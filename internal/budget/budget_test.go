package budget

import (
	"errors"
	"testing"
	"time"
)

func TestPresets_Validate(t *testing.T) {
	for _, b := range []Budget{Conservative(), Balanced(), Performance()} {
		t.Run(b.Preset, func(t *testing.T) {
			if err := b.Validate(); err != nil {
				t.Errorf("%s.Validate() = %v, want nil", b.Preset, err)
			}
		})
	}
}

func TestPresets_Ordering(t *testing.T) {
	c, b, p := Conservative(), Balanced(), Performance()
	if !(c.Fuel < b.Fuel && b.Fuel < p.Fuel) {
		t.Errorf("fuel not increasing: %d, %d, %d", c.Fuel, b.Fuel, p.Fuel)
	}
	if !(c.Timeout < b.Timeout && b.Timeout < p.Timeout) {
		t.Errorf("timeout not increasing: %s, %s, %s", c.Timeout, b.Timeout, p.Timeout)
	}
	if !(c.ChildMemoryBytes < b.ChildMemoryBytes && b.ChildMemoryBytes < p.ChildMemoryBytes) {
		t.Errorf("child memory not increasing")
	}
}

func TestPreset(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"conservative", PresetConservative, false},
		{"Balanced", PresetBalanced, false},
		{" PERFORMANCE ", PresetPerformance, false},
		{"", PresetBalanced, false},
		{"turbo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Preset(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Preset(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBudget) {
					t.Errorf("error %v is not ErrInvalidBudget", err)
				}
				return
			}
			if b.Preset != tt.want {
				t.Errorf("Preset(%q).Preset = %q, want %q", tt.name, b.Preset, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Budget)
	}{
		{"tiny memory", func(b *Budget) { b.MaxMemoryBytes = 1024 }},
		{"shallow stack", func(b *Budget) { b.MaxCallDepth = 2 }},
		{"tiny operand stack", func(b *Budget) { b.MaxStackBytes = 16 }},
		{"no fuel", func(b *Budget) { b.Fuel = 0 }},
		{"no tables", func(b *Budget) { b.MaxTables = 0 }},
		{"zero tier1 timeout", func(b *Budget) { b.Tier1Timeout = 0 }},
		{"timeout below tier1", func(b *Budget) { b.Timeout = b.Tier1Timeout / 2 }},
		{"child memory too small", func(b *Budget) { b.ChildMemoryBytes = 1 << 20 }},
		{"no cpu", func(b *Budget) { b.ChildCPUSeconds = 0 }},
		{"few fds", func(b *Budget) { b.ChildMaxFDs = 3 }},
		{"small fsize", func(b *Budget) { b.ChildMaxFileBytes = 4096 }},
		{"no procs", func(b *Budget) { b.ChildMaxProcesses = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Balanced()
			tt.modify(&b)
			if err := b.Validate(); !errors.Is(err, ErrInvalidBudget) {
				t.Errorf("Validate() = %v, want ErrInvalidBudget", err)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	b := Balanced().Override(Budget{Fuel: 1234567, Timeout: 5 * time.Second})
	if b.Fuel != 1234567 {
		t.Errorf("Fuel = %d, want 1234567", b.Fuel)
	}
	if b.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s, want 5s", b.Timeout)
	}
	if b.MaxCallDepth != Balanced().MaxCallDepth {
		t.Errorf("MaxCallDepth changed to %d", b.MaxCallDepth)
	}
	if b.Preset != PresetCustom {
		t.Errorf("Preset = %q, want %q", b.Preset, PresetCustom)
	}

	same := Balanced().Override(Budget{})
	if same.Preset != PresetBalanced {
		t.Errorf("empty override Preset = %q, want %q", same.Preset, PresetBalanced)
	}
}

func TestStackSlots(t *testing.T) {
	b := Budget{MaxStackBytes: 4096}
	if got := b.StackSlots(); got != 512 {
		t.Errorf("StackSlots() = %d, want 512", got)
	}
}
