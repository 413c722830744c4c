package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"vetbox/internal/verdict"
)

// Keys are "verdict:<sha256>"; values are an 8-byte big-endian expiry
// (unix nanoseconds) followed by the JSON result.
var prefixVerdict = []byte("verdict:")

// Pebble persists verdicts across restarts.
type Pebble struct {
	db  *pebble.DB
	now func() time.Time
}

// OpenPebble opens or creates the verdict store at dir and drops expired
// entries.
func OpenPebble(dir string, cacheBytes int64) (*Pebble, error) {
	if cacheBytes <= 0 {
		cacheBytes = 8 << 20
	}
	c := pebble.NewCache(cacheBytes)
	db, err := pebble.Open(dir, &pebble.Options{Cache: c})
	c.Unref()
	if err != nil {
		return nil, fmt.Errorf("opening verdict cache %q: %w", dir, err)
	}
	p := &Pebble{db: db, now: time.Now}
	if n, err := p.Sweep(); err != nil {
		log.Warn().Err(err).Msg("verdict cache sweep failed")
	} else if n > 0 {
		log.Info().Int("expired", n).Msg("swept expired verdicts")
	}
	return p, nil
}

func verdictKey(sha256 string) []byte {
	return append(append([]byte(nil), prefixVerdict...), sha256...)
}

func (p *Pebble) Lookup(_ context.Context, sha256 string) (*verdict.Result, bool) {
	key := verdictKey(sha256)
	data, closer, err := p.db.Get(key)
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			log.Warn().Err(err).Str("sha256", sha256).Msg("verdict cache read failed")
		}
		return nil, false
	}
	defer closer.Close()

	r, expires, err := decodeEntry(data)
	if err != nil {
		log.Warn().Err(err).Str("sha256", sha256).Msg("dropping corrupt cache entry")
		_ = p.db.Delete(key, pebble.NoSync)
		return nil, false
	}
	if !p.now().Before(expires) {
		_ = p.db.Delete(key, pebble.NoSync)
		return nil, false
	}
	return r, true
}

func (p *Pebble) Store(_ context.Context, sha256 string, r *verdict.Result, ttl time.Duration) error {
	if r == nil || ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}
	val := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(val, uint64(p.now().Add(ttl).UnixNano()))
	val = append(val, body...)
	return p.db.Set(verdictKey(sha256), val, pebble.Sync)
}

// Sweep deletes expired and corrupt entries in one batch.
func (p *Pebble) Sweep() (int, error) {
	upper := append(append([]byte(nil), prefixVerdict[:len(prefixVerdict)-1]...), prefixVerdict[len(prefixVerdict)-1]+1)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefixVerdict, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("verdict cache iterator: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	now := p.now()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) >= 8 && now.Before(time.Unix(0, int64(binary.BigEndian.Uint64(v)))) {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return 0, err
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, batch.Commit(pebble.Sync)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func decodeEntry(v []byte) (*verdict.Result, time.Time, error) {
	if len(v) < 8 {
		return nil, time.Time{}, errors.New("short cache entry")
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
	var r verdict.Result
	if err := json.Unmarshal(v[8:], &r); err != nil {
		return nil, time.Time{}, err
	}
	return &r, expires, nil
}
