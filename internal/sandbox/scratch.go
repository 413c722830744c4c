package sandbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	scratchPrefix = "vetbox-"
	manifestName  = "orphans.jsonl"
)

// Workspace is the per-execution scratch area. Dir holds backend files
// (seccomp profile); WorkDir is the only path the sample may write.
type Workspace struct {
	ID      string
	Dir     string
	WorkDir string
}

// OrphanEntry is one line of the orphan manifest.
type OrphanEntry struct {
	Dir      string    `json:"dir"`
	MarkedAt time.Time `json:"marked_at"`
}

// Scratch owns the scratch root. Directories whose removal fails are
// appended to a manifest and retried by Sweep.
type Scratch struct {
	root string
	now  func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewScratch creates root if needed.
func NewScratch(root string) (*Scratch, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: scratch root %q must be absolute", ErrSetupFailed, root)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating scratch root: %w", ErrSetupFailed, err)
	}
	return &Scratch{
		root:   root,
		now:    time.Now,
		active: make(map[string]struct{}),
	}, nil
}

func (s *Scratch) Root() string { return s.root }

func (s *Scratch) manifestPath() string {
	return filepath.Join(s.root, manifestName)
}

// Create makes a fresh workspace for execution id. The directory is marked
// active before it exists so a concurrent Sweep never sees it unowned.
func (s *Scratch) Create(id string) (*Workspace, error) {
	dir := filepath.Join(s.root, scratchPrefix+id)
	s.mu.Lock()
	if _, dup := s.active[dir]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("creating scratch dir: %s: %w", dir, fs.ErrExist)
	}
	s.active[dir] = struct{}{}
	s.mu.Unlock()

	fail := func(err error) (*Workspace, error) {
		s.mu.Lock()
		delete(s.active, dir)
		s.mu.Unlock()
		return nil, err
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return fail(fmt.Errorf("creating scratch dir: %w", err))
	}
	work := filepath.Join(dir, "work")
	if err := os.Mkdir(work, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return fail(fmt.Errorf("creating work dir: %w", err))
	}
	return &Workspace{ID: id, Dir: dir, WorkDir: work}, nil
}

// WriteSample stores content in the work dir: 0500 when it is executed
// directly, 0400 when an interpreter reads it.
func (s *Scratch) WriteSample(ws *Workspace, name string, content []byte, executable bool) (string, error) {
	path := filepath.Join(ws.WorkDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- name is generated by SampleName
	if err != nil {
		return "", fmt.Errorf("creating sample: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing sample: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing sample: %w", err)
	}

	mode := fs.FileMode(0o400)
	if executable {
		mode = 0o500
	}
	if err := os.Chmod(path, mode); err != nil {
		return "", fmt.Errorf("chmod sample: %w", err)
	}
	return path, nil
}

// Release removes the workspace. A failed removal is recorded in the
// manifest and the error returned for logging only.
func (s *Scratch) Release(ws *Workspace) error {
	err := removeTree(ws.Dir)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, ws.Dir)
	if err == nil {
		return nil
	}
	if mErr := s.appendManifest(OrphanEntry{Dir: ws.Dir, MarkedAt: s.now()}); mErr != nil {
		return errors.Join(err, mErr)
	}
	return err
}

// Sweep retries every manifest entry and removes leftover workspace
// directories that no running execution owns. It returns the number of
// directories removed.
func (s *Scratch) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readManifest()
	if err != nil {
		return 0, err
	}

	pending := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		pending[e.Dir] = e.MarkedAt
	}

	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}
	for _, d := range dirents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), scratchPrefix) {
			continue
		}
		dir := filepath.Join(s.root, d.Name())
		if _, ok := pending[dir]; !ok {
			pending[dir] = s.now()
		}
	}

	var removed int
	var keep []OrphanEntry
	for dir, marked := range pending {
		if _, busy := s.active[dir]; busy {
			continue
		}
		if err := removeTree(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("orphaned scratch dir still not removable")
			keep = append(keep, OrphanEntry{Dir: dir, MarkedAt: marked})
			continue
		}
		removed++
	}

	if err := s.writeManifest(keep); err != nil {
		return removed, err
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("swept orphaned scratch dirs")
	}
	return removed, nil
}

// Orphans returns the current manifest entries.
func (s *Scratch) Orphans() ([]OrphanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readManifest()
}

func (s *Scratch) readManifest() ([]OrphanEntry, error) {
	f, err := os.Open(s.manifestPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening orphan manifest: %w", err)
	}
	defer f.Close()

	var out []OrphanEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e OrphanEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil || !s.owns(e.Dir) {
			log.Warn().Str("line", line).Msg("skipping malformed orphan manifest entry")
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading orphan manifest: %w", err)
	}
	return out, nil
}

func (s *Scratch) appendManifest(e OrphanEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.manifestPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening orphan manifest: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending orphan manifest: %w", err)
	}
	return f.Close()
}

func (s *Scratch) writeManifest(entries []OrphanEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(s.manifestPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing orphan manifest: %w", err)
		}
		return nil
	}
	tmp := s.manifestPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("writing orphan manifest: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing orphan manifest: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.manifestPath())
}

// owns guards against a tampered manifest pointing outside the root.
func (s *Scratch) owns(dir string) bool {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return false
	}
	return !strings.Contains(rel, string(filepath.Separator)) && strings.HasPrefix(rel, scratchPrefix)
}

// removeTree makes directories writable before removing, since samples
// routinely chmod their own output read-only.
func removeTree(dir string) error {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o700) // #nosec G302 -- owner-only
		}
		return nil
	})
	return os.RemoveAll(dir)
}
