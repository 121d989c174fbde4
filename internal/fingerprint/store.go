package fingerprint

import (
	"context"
	"sync"
	"time"

	logx "chanpost/pkg/logx"

	"chanpost/internal/transport"
)

type Config struct {
	// Threshold is the maximum Hamming distance at which two hashes are
	// considered the same content.
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	return c
}

// Persister is the slice of the storage layer the store needs. A nil
// Persister keeps fingerprints in memory only.
type Persister interface {
	AppendFingerprint(ctx context.Context, chatID int64, hash uint64, at time.Time) error
}

// Store answers "was visually identical media already sent to this
// destination?". The index is append-only and scoped per destination:
// the same image sent to two different channels is not a duplicate.
type Store struct {
	mu        sync.RWMutex
	threshold int
	dests     map[int64]*destIndex

	persist Persister
	log     logx.Logger
}

// destIndex holds one destination's hashes plus a banded lookup table.
// Splitting each 64-bit hash into four 16-bit bands guarantees that any
// pair within Hamming distance 3 shares at least one identical band
// (pigeonhole), so band probing is exact for small thresholds. Larger
// thresholds fall back to scanning the full slice, which stays cheap at
// the per-channel media volumes seen in practice.
type destIndex struct {
	hashes []Hash
	bands  [4]map[uint16][]int32
}

func NewStore(cfg Config, persist Persister, log logx.Logger) *Store {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		threshold: cfg.Threshold,
		dests:     map[int64]*destIndex{},
		persist:   persist,
		log:       log,
	}
}

// Warm loads previously persisted hashes into the in-memory index.
// Called once at startup, before any duplicate checks.
func (s *Store) Warm(chatID int64, hashes []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.destLocked(chatID)
	for _, h := range hashes {
		idx.add(Hash(h))
	}
}

// IsDuplicate reports whether hash is within the similarity threshold of
// any media already recorded for dest. Read-only.
func (s *Store) IsDuplicate(dest transport.Destination, hash Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.dests[dest.ChatID]
	if idx == nil {
		return false
	}
	return idx.contains(hash, s.threshold)
}

// Record registers hash as sent to dest, both in memory and (when a
// persister is configured) durably. Recording the same hash twice is
// harmless; the index only grows.
func (s *Store) Record(ctx context.Context, dest transport.Destination, hash Hash) error {
	s.mu.Lock()
	s.destLocked(dest.ChatID).add(hash)
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist.AppendFingerprint(ctx, dest.ChatID, uint64(hash), time.Now()); err != nil {
		// The in-memory index already has the hash; a persistence miss only
		// costs dedup coverage after a restart.
		s.log.Warn("fingerprint persist failed",
			logx.Int64("chat_id", dest.ChatID), logx.Err(err))
		return err
	}
	return nil
}

// Size returns the number of recorded hashes for dest.
func (s *Store) Size(dest transport.Destination) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.dests[dest.ChatID]
	if idx == nil {
		return 0
	}
	return len(idx.hashes)
}

func (s *Store) destLocked(chatID int64) *destIndex {
	idx := s.dests[chatID]
	if idx == nil {
		idx = &destIndex{}
		for b := range idx.bands {
			idx.bands[b] = map[uint16][]int32{}
		}
		s.dests[chatID] = idx
	}
	return idx
}

func (d *destIndex) add(h Hash) {
	i := int32(len(d.hashes))
	d.hashes = append(d.hashes, h)
	for b := range d.bands {
		d.bands[b][band(h, b)] = append(d.bands[b][band(h, b)], i)
	}
}

func (d *destIndex) contains(h Hash, threshold int) bool {
	if threshold <= 3 {
		// Band probing is exact here: distance <= 3 implies a shared band.
		seen := map[int32]struct{}{}
		for b := range d.bands {
			for _, i := range d.bands[b][band(h, b)] {
				if _, ok := seen[i]; ok {
					continue
				}
				seen[i] = struct{}{}
				if Distance(d.hashes[i], h) <= threshold {
					return true
				}
			}
		}
		return false
	}
	for _, other := range d.hashes {
		if Distance(other, h) <= threshold {
			return true
		}
	}
	return false
}

func band(h Hash, b int) uint16 {
	return uint16(uint64(h) >> (uint(b) * 16))
}
