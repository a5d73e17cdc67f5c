// Package hashes implements PersistedHashes (spec.md §4.2): a hashed-string
// set with per-entry expiry, flushed through a single-writer region so
// concurrent callers never interleave a partial write to the KV store.
package hashes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

const storageKey = "hashes::entries"

const oneDayMs int64 = 24 * 60 * 60 * 1000

// Entry is one PersistedHash record (spec.md §3).
type Entry struct {
	H        uint32 `json:"h"`
	ExpireAt int64  `json:"expireAt"`
}

// Store is a persisted, TTL-swept set of 32-bit hashes.
type Store struct {
	kv     interfaces.KeyValueStorage
	clock  interfaces.TrustedClock
	logger arbor.ILogger
	writer *concurrency.SerialQueue

	entries map[uint32]int64 // hash -> expireAt
	loaded  bool
}

// NewStore constructs a Store. Load must be called before Add/Has/Delete.
func NewStore(kv interfaces.KeyValueStorage, clock interfaces.TrustedClock, logger arbor.ILogger) *Store {
	return &Store{
		kv:      kv,
		clock:   clock,
		logger:  logger,
		writer:  concurrency.NewSerialQueue("hashes", logger),
		entries: make(map[uint32]int64),
	}
}

// Close releases the store's background writer goroutine.
func (s *Store) Close() {
	s.writer.Close()
}

func (s *Store) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("hashes: load: %w", err)
	}
	var list []Entry
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Msg("hashes: discarding corrupted store, starting empty")
		}
		s.loaded = true
		return nil
	}
	for _, e := range list {
		s.entries[e.H] = e.ExpireAt
	}
	s.loaded = true
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	list := make([]Entry, 0, len(s.entries))
	for h, expireAt := range s.entries {
		list = append(list, Entry{H: h, ExpireAt: expireAt})
	}
	buf, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("hashes: marshal: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey, string(buf), "persisted hash dedup set"); err != nil {
		return fmt.Errorf("hashes: persist: %w", err)
	}
	return nil
}

// Add inserts hash with the given expiry, returning whether it was newly
// inserted (spec.md §4.2).
func (s *Store) Add(ctx context.Context, hash uint32, expireAt int64) (bool, error) {
	var inserted bool
	err := s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			if s.logger != nil {
				s.logger.Error().Err(lerr).Msg("hashes: Add load failed")
			}
			return
		}
		_, existed := s.entries[hash]
		s.entries[hash] = expireAt
		inserted = !existed
		if perr := s.persist(ctx); perr != nil && s.logger != nil {
			s.logger.Error().Err(perr).Msg("hashes: Add persist failed")
		}
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Has reports whether hash is currently present (irrespective of expiry —
// callers normally pair this with a recent Sweep).
func (s *Store) Has(ctx context.Context, hash uint32) (bool, error) {
	var present bool
	err := s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			if s.logger != nil {
				s.logger.Error().Err(lerr).Msg("hashes: Has load failed")
			}
			return
		}
		_, present = s.entries[hash]
	})
	if err != nil {
		return false, err
	}
	return present, nil
}

// Delete removes hash, if present.
func (s *Store) Delete(ctx context.Context, hash uint32) error {
	return s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			if s.logger != nil {
				s.logger.Error().Err(lerr).Msg("hashes: Delete load failed")
			}
			return
		}
		if _, ok := s.entries[hash]; !ok {
			return
		}
		delete(s.entries, hash)
		if perr := s.persist(ctx); perr != nil && s.logger != nil {
			s.logger.Error().Err(perr).Msg("hashes: Delete persist failed")
		}
	})
}

// Sweep removes entries that have expired (now >= expireAt) or whose
// expireAt lies more than one day in the future of now, which can only
// happen after a clock jump (spec.md §4.2). It returns the number removed.
func (s *Store) Sweep(ctx context.Context, now int64) (int, error) {
	removed := 0
	err := s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			if s.logger != nil {
				s.logger.Error().Err(lerr).Msg("hashes: Sweep load failed")
			}
			return
		}
		for h, expireAt := range s.entries {
			if now >= expireAt || expireAt > now+oneDayMs {
				delete(s.entries, h)
				removed++
			}
		}
		if removed > 0 {
			if perr := s.persist(ctx); perr != nil && s.logger != nil {
				s.logger.Error().Err(perr).Msg("hashes: Sweep persist failed")
			}
		}
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Len reports the number of currently stored entries (for selfChecks and
// tests).
func (s *Store) Len(ctx context.Context) int {
	var n int
	_ = s.writer.Run(ctx, func() {
		_ = s.load(ctx)
		n = len(s.entries)
	})
	return n
}

// NowMillis converts clock.Now() to epoch milliseconds, the unit spec.md
// uses throughout the CORE for expireAt/createdAt arithmetic.
func NowMillis(clock interfaces.TrustedClock) int64 {
	return clock.Now().UnixNano() / int64(time.Millisecond)
}
