package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// StraceMonitor observes a child by running it under strace and parsing the
// trace as it is written.
type StraceMonitor struct {
	Path string
	// StringLimit is passed as -s; longer string arguments are truncated.
	StringLimit int
	// InImage means strace runs inside the analysis image, not on this host.
	InImage bool
}

// NewStraceMonitor returns a monitor using the strace binary at path
// ("" means look it up on PATH).
func NewStraceMonitor(path string) *StraceMonitor {
	if path == "" {
		path = "strace"
	}
	return &StraceMonitor{Path: path, StringLimit: 256}
}

// NewImageStraceMonitor returns a monitor for container backends, whose
// strace comes with the analysis image.
func NewImageStraceMonitor() *StraceMonitor {
	m := NewStraceMonitor("strace")
	m.InImage = true
	return m
}

func (m *StraceMonitor) Name() string { return "strace" }

func (m *StraceMonitor) Available() error {
	if m.InImage {
		return nil
	}
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%w: strace needs linux, running on %s", ErrUnsupported, runtime.GOOS)
	}
	if _, err := exec.LookPath(m.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return nil
}

// Wrap prefixes argv with strace. An empty output sends the trace to stderr.
func (m *StraceMonitor) Wrap(argv []string, output string) []string {
	cmd := []string{m.Path, "-f", "-ttt", "-qq", "-s", strconv.Itoa(m.StringLimit)}
	if output != "" {
		cmd = append(cmd, "-o", output)
	}
	cmd = append(cmd, "--")
	return append(cmd, argv...)
}

// Stream parses strace output line by line. Lines that are not syscall
// records (signals, exits, the child's own stderr) are skipped.
func (m *StraceMonitor) Stream(ctx context.Context, r io.Reader, emit func(SyscallEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	p := newStraceParser()
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev, ok := p.parse(sc.Text()); ok {
			emit(ev)
		}
	}
	return sc.Err()
}

// straceParser is not safe for concurrent use. It joins calls that strace
// splits across lines when another thread interleaves.
type straceParser struct {
	pending map[int]string
}

func newStraceParser() *straceParser {
	return &straceParser{pending: make(map[int]string)}
}

func (p *straceParser) parse(line string) (SyscallEvent, bool) {
	rest := strings.TrimSpace(line)
	var pid int

	if strings.HasPrefix(rest, "[pid") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return SyscallEvent{}, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[4:end]))
		if err != nil {
			return SyscallEvent{}, false
		}
		pid = n
		rest = strings.TrimSpace(rest[end+1:])
	}

	field, tail := cutField(rest)
	if !strings.Contains(field, ".") {
		n, err := strconv.Atoi(field)
		if err != nil {
			return SyscallEvent{}, false
		}
		pid = n
		field, tail = cutField(tail)
	}
	at, ok := parseStamp(field)
	if !ok {
		return SyscallEvent{}, false
	}
	body := tail

	if strings.HasPrefix(body, "+++") || strings.HasPrefix(body, "---") {
		return SyscallEvent{}, false
	}

	if strings.HasPrefix(body, "<... ") {
		end := strings.Index(body, " resumed>")
		if end < 0 {
			return SyscallEvent{}, false
		}
		head, ok := p.pending[pid]
		delete(p.pending, pid)
		if !ok {
			head = body[len("<... "):end] + "("
		}
		body = head + body[end+len(" resumed>"):]
	}

	if i := strings.Index(body, " <unfinished ...>"); i >= 0 {
		p.pending[pid] = body[:i]
		return SyscallEvent{}, false
	}

	open := strings.IndexByte(body, '(')
	if open <= 0 || !isSyscallName(body[:open]) {
		return SyscallEvent{}, false
	}
	eq := strings.LastIndex(body, " = ")
	if eq < open {
		return SyscallEvent{}, false
	}
	args := strings.TrimRight(body[open+1:eq], " ")
	if !strings.HasSuffix(args, ")") {
		return SyscallEvent{}, false
	}
	args = args[:len(args)-1]

	ev := SyscallEvent{
		At:   at,
		PID:  pid,
		Name: body[:open],
		Args: splitArgs(args, MaxArgs),
	}
	ev.Ret, ev.Errno = parseReturn(body[eq+3:])
	return ev, true
}

func cutField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

func parseStamp(s string) (time.Time, bool) {
	secStr, fracStr, ok := strings.Cut(s, ".")
	if !ok || len(fracStr) == 0 || len(fracStr) > 9 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	frac, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	for range 9 - len(fracStr) {
		frac *= 10
	}
	return time.Unix(sec, frac), true
}

func isSyscallName(s string) bool {
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return s != ""
}

// parseReturn handles "3", "-1 ENOENT (No such file or directory)",
// "0x7f0000000000" and "?".
func parseReturn(s string) (int64, string) {
	val, tail := cutField(s)
	var ret int64
	if n, err := strconv.ParseInt(val, 0, 64); err == nil {
		ret = n
	} else if u, err := strconv.ParseUint(val, 0, 64); err == nil {
		ret = int64(u)
	}
	if ret < 0 {
		if errno, _ := cutField(tail); strings.HasPrefix(errno, "E") {
			return ret, errno
		}
	}
	return ret, ""
}

// splitArgs splits a syscall argument list on top-level commas, keeping at
// most limit entries.
func splitArgs(s string, limit int) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var (
		out     []string
		depth   int
		inQuote bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '(' || c == '{' || c == '[':
			depth++
		case c == ')' || c == '}' || c == ']':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
			if len(out) == limit {
				return out
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
