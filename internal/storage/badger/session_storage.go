package badger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// sessionEntry is the badgerhold record for one session key/value pair,
// stored in its own keyspace (sessionKeyPrefix) so it never collides with
// KVStorage's records in the same BadgerDB.
type sessionEntry struct {
	Key   string
	Value string
}

const sessionKeyPrefix = "session::"

// SessionStorage implements interfaces.SessionStorage over Badger. The
// CORE's SessionStorageWrapper (C3) is built to tolerate this backend
// vanishing or returning opaque quota errors (spec.md §4.3); this
// implementation never does either, since an embedded local store has
// neither failure mode in normal operation.
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSessionStorage creates a new badger-backed SessionStorage instance.
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{db: db, logger: logger}
}

func (s *SessionStorage) storeKey(key string) string {
	return sessionKeyPrefix + key
}

func (s *SessionStorage) SessionGet(ctx context.Context, prefix string) (map[string]string, error) {
	var entries []sessionEntry
	if err := s.db.Store().Find(&entries, nil); err != nil {
		return nil, fmt.Errorf("session storage: list: %w", err)
	}

	fullPrefix := s.storeKey(prefix)
	out := make(map[string]string)
	for _, e := range entries {
		if strings.HasPrefix(e.Key, fullPrefix) {
			out[strings.TrimPrefix(e.Key, sessionKeyPrefix)] = e.Value
		}
	}
	return out, nil
}

func (s *SessionStorage) SessionSet(ctx context.Context, values map[string]string) error {
	for k, v := range values {
		entry := sessionEntry{Key: s.storeKey(k), Value: v}
		if err := s.db.Store().Upsert(entry.Key, &entry); err != nil {
			return fmt.Errorf("session storage: upsert %q: %w", k, err)
		}
	}
	return nil
}

func (s *SessionStorage) SessionRemove(ctx context.Context, keys []string) error {
	for _, k := range keys {
		err := s.db.Store().Delete(s.storeKey(k), &sessionEntry{})
		if err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("session storage: delete %q: %w", k, err)
		}
	}
	return nil
}
