package behavior

import (
	"fmt"
	"math"
)

// Category is a behavioural category with a fixed weight in the score.
type Category int

const (
	CategoryFile Category = iota
	CategoryProcess
	CategoryMemory
	CategoryNetwork
	CategoryPersistence
	numCategories
)

var categoryNames = [numCategories]string{"file", "process", "memory", "network", "persistence"}

// Weights sum to 1.
var categoryWeights = [numCategories]float64{0.40, 0.30, 0.15, 0.10, 0.05}

func (c Category) String() string {
	if c >= 0 && c < numCategories {
		return categoryNames[c]
	}
	return "unknown"
}

// Weight is the category's share of the behavioural score.
func (c Category) Weight() float64 {
	if c >= 0 && c < numCategories {
		return categoryWeights[c]
	}
	return 0
}

// rung is one step of a ladder: value > Above adds Add.
type rung struct {
	above int
	add   float64
}

// ladder scores one counter. Only the highest triggered rung counts.
type ladder struct {
	category Category
	what     string
	value    func(Metrics) int
	rungs    []rung // highest threshold first
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

var ladders = []ladder{
	{CategoryFile, "file operations", func(m Metrics) int { return m.FileOps }, []rung{{100, 0.75}, {50, 0.40}}},
	{CategoryFile, "file deletions", func(m Metrics) int { return m.FileDeletes }, []rung{{50, 0.40}, {10, 0.15}}},
	{CategoryFile, "file renames", func(m Metrics) int { return m.FileRenames }, []rung{{50, 0.40}, {10, 0.15}}},
	{CategoryFile, "sensitive file accesses", func(m Metrics) int { return m.SensitiveAccess }, []rung{{3, 0.50}, {0, 0.30}}},

	{CategoryProcess, "child processes", func(m Metrics) int { return m.ProcessSpawns }, []rung{{20, 0.60}, {5, 0.30}}},
	{CategoryProcess, "program executions", func(m Metrics) int { return m.Execs }, []rung{{10, 0.30}, {3, 0.10}}},
	{CategoryProcess, "signals sent", func(m Metrics) int { return m.Signals }, []rung{{10, 0.20}}},
	{CategoryProcess, "ptrace calls", func(m Metrics) int { return m.Ptrace }, []rung{{0, 0.40}}},
	{CategoryProcess, "privilege changes", func(m Metrics) int { return m.PrivilegeCalls }, []rung{{0, 0.30}}},
	{CategoryProcess, "code injection indicator", func(m Metrics) int { return flag(m.CodeInjection) }, []rung{{0, 1.0}}},

	{CategoryMemory, "anonymous mappings", func(m Metrics) int { return m.AnonMaps }, []rung{{256, 0.30}}},
	{CategoryMemory, "executable writable mappings", func(m Metrics) int { return m.ExecMappings }, []rung{{5, 0.60}, {0, 0.30}}},
	{CategoryMemory, "memfd_create calls", func(m Metrics) int { return m.MemfdCreates }, []rung{{0, 0.30}}},
	{CategoryMemory, "heap spray indicator", func(m Metrics) int { return flag(m.HeapSpray) }, []rung{{0, 0.70}}},

	{CategoryNetwork, "network sockets", func(m Metrics) int { return m.Sockets }, []rung{{10, 0.50}, {0, 0.30}}},
	{CategoryNetwork, "outbound connections", func(m Metrics) int { return m.Connects }, []rung{{10, 0.50}, {0, 0.30}}},
	{CategoryNetwork, "listening sockets", func(m Metrics) int { return m.Listens }, []rung{{0, 0.40}}},
	{CategoryNetwork, "send calls", func(m Metrics) int { return m.Sends }, []rung{{100, 0.30}}},

	{CategoryPersistence, "persistence writes", func(m Metrics) int { return m.PersistenceOps }, []rung{{2, 1.0}, {0, 0.60}}},
}

// Score is the behavioural sub-score with its explanation.
type Score struct {
	Value        float64            `json:"value"`
	Categories   map[string]float64 `json:"categories"`
	Explanations []string           `json:"explanations,omitempty"`
}

// Evaluate applies every category ladder to m. Category scores are capped
// at 1 and combined by weight; each triggered rung yields one explanation.
func Evaluate(m Metrics) Score {
	var per [numCategories]float64
	var explanations []string

	for _, l := range ladders {
		v := l.value(m)
		for _, r := range l.rungs {
			if v > r.above {
				per[l.category] += r.add
				explanations = append(explanations, fmt.Sprintf("%s: %d %s (>%d) +%.2f", l.category, v, l.what, r.above, r.add))
				break
			}
		}
	}

	s := Score{Categories: make(map[string]float64, numCategories), Explanations: explanations}
	for c := range numCategories {
		per[c] = math.Min(per[c], 1)
		s.Categories[c.String()] = per[c]
		s.Value += per[c] * c.Weight()
	}
	s.Value = math.Min(math.Max(s.Value, 0), 1)
	return s
}
