package signature

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// HashMatcher flags content whose SHA-256 is on a known-bad list.
type HashMatcher struct {
	mu     sync.RWMutex
	digest map[string]string // hex sha256 -> family name
}

// NewHashMatcher returns an empty matcher.
func NewHashMatcher() *HashMatcher {
	return &HashMatcher{digest: make(map[string]string)}
}

// LoadHashFile reads a known-bad list. Files ending in .json hold
// {"known_bad": {"<sha256>": "<name>"}}; anything else is one
// "<sha256> [name]" per line with # comments.
func LoadHashFile(path string) (*HashMatcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hash list: %w", err)
	}
	defer f.Close()

	h := NewHashMatcher()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = h.readJSON(f)
	} else {
		err = h.readLines(f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing hash list %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("hashes", h.Len()).Msg("loaded known-bad hashes")
	return h, nil
}

func (h *HashMatcher) readJSON(r io.Reader) error {
	var doc struct {
		KnownBad map[string]string `json:"known_bad"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return err
	}
	for sum, name := range doc.KnownBad {
		if err := h.Add(sum, name); err != nil {
			return err
		}
	}
	return nil
}

func (h *HashMatcher) readLines(r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		name := ""
		if len(fields) > 1 {
			name = strings.Join(fields[1:], " ")
		}
		if err := h.Add(fields[0], name); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// Add registers a hex digest. An empty name is stored as "known_bad_hash".
func (h *HashMatcher) Add(sum, name string) error {
	sum = strings.ToLower(strings.TrimSpace(sum))
	if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
		return fmt.Errorf("invalid sha256 %q", sum)
	}
	if name == "" {
		name = "known_bad_hash"
	}
	h.mu.Lock()
	h.digest[sum] = name
	h.mu.Unlock()
	return nil
}

// Len returns the number of known digests.
func (h *HashMatcher) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.digest)
}

func (h *HashMatcher) Match(content []byte) (bool, []string) {
	sum := sha256.Sum256(content)
	h.mu.RLock()
	name, ok := h.digest[hex.EncodeToString(sum[:])]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, []string{"hash:" + name}
}
