package signature

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// Severity of a byte pattern. Only High and Critical patterns make Match
// return true; lower ones are reported as rules.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pattern is one named byte regex.
type Pattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// PatternMatcher runs regexes over the raw content.
type PatternMatcher struct {
	patterns []Pattern
	scanMax  int
}

// NewPatternMatcher uses the built-in patterns and scans at most the first
// scanMax bytes (0 means 8 MiB).
func NewPatternMatcher(scanMax int, extra ...Pattern) *PatternMatcher {
	if scanMax <= 0 {
		scanMax = 8 << 20
	}
	return &PatternMatcher{
		patterns: append(DefaultPatterns(), extra...),
		scanMax:  scanMax,
	}
}

func (p *PatternMatcher) Match(content []byte) (bool, []string) {
	if len(content) > p.scanMax {
		content = content[:p.scanMax]
	}
	var (
		matched bool
		rules   []string
	)
	for _, pat := range p.patterns {
		if !pat.Regex.Match(content) {
			continue
		}
		rules = append(rules, "pattern:"+pat.Name)
		if pat.Severity >= SeverityHigh {
			matched = true
		}
		log.Debug().
			Str("pattern", pat.Name).
			Str("severity", pat.Severity.String()).
			Msg("static pattern hit")
	}
	return matched, rules
}

// DefaultPatterns covers reverse shells, container breakout, host socket
// access, kernel exploits, metadata theft and miners.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "proc_self_access",
			Description: "reads /proc/self internals",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "container_breakout",
			Description: "cgroup release_agent escape",
			Regex:       regexp.MustCompile(`notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "talks to the host container runtime",
			Regex:       regexp.MustCompile(`/var/run/(docker|containerd)(\.sock|/containerd\.sock)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "kernel_exploit",
			Description: "known local privilege escalation",
			Regex:       regexp.MustCompile(`(?i)dirty.?(cow|pipe)|CVE-20(16-5195|22-0847)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "reaches the cloud metadata endpoint",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "reverse_shell",
			Description: "interactive shell over a socket",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\s+(-\w+\s+)*-e\s|/dev/tcp/\S+/\d+|bash\s+-i\s+>&|socat\s+exec:`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "manipulates file capabilities",
			Regex:       regexp.MustCompile(`(?i)\b(setcap|capsh)\b`),
			Severity:    SeverityLow,
		},
		{
			Name:        "process_injection",
			Description: "attaches to or writes another process",
			Regex:       regexp.MustCompile(`PTRACE_(ATTACH|POKETEXT|SEIZE)|process_vm_writev`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "mining pool or miner binary",
			Regex:       regexp.MustCompile(`(?i)stratum\+(tcp|ssl)://|\bxmrig\b|\bminerd\b`),
			Severity:    SeverityHigh,
		},
	}
}
