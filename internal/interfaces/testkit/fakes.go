// Package testkit provides deterministic in-memory fakes for the external
// collaborator contracts in internal/interfaces. Every CORE component test
// builds its dependencies from here instead of touching Badger or the
// network, matching spec.md §9's "injected clock and RNG" design note.
package testkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

// KVStore is an in-memory interfaces.KeyValueStorage.
type KVStore struct {
	mu   sync.Mutex
	data map[string]interfaces.KeyValuePair
}

// NewKVStore creates an empty in-memory key/value store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]interfaces.KeyValuePair)}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.data[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return pair.Value, nil
}

func (s *KVStore) Set(ctx context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, isUpdate := s.data[key]
	createdAt := now
	if isUpdate {
		createdAt = existing.CreatedAt
	}
	s.data[key] = interfaces.KeyValuePair{
		Key:         key,
		Value:       value,
		Description: description,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return interfaces.ErrKeyNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *KVStore) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.KeyValuePair, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SessionStore is an in-memory interfaces.SessionStorage that can simulate
// unavailability and quota errors for tests of SessionStorageWrapper's
// fallback behaviour.
type SessionStore struct {
	mu          sync.Mutex
	data        map[string]string
	Unavailable bool
	QuotaError  error
}

func NewSessionStore() *SessionStore {
	return &SessionStore{data: make(map[string]string)}
}

func (s *SessionStore) SessionGet(ctx context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, fmt.Errorf("session storage unavailable")
	}
	out := make(map[string]string)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *SessionStore) SessionSet(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return fmt.Errorf("session storage unavailable")
	}
	if s.QuotaError != nil {
		return s.QuotaError
	}
	for k, v := range values {
		s.data[k] = v
	}
	return nil
}

func (s *SessionStore) SessionRemove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return fmt.Errorf("session storage unavailable")
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Clock is a settable interfaces.TrustedClock for deterministic tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) YYYYMMDD() string {
	return c.Now().UTC().Format("20060102")
}

func (c *Clock) YYYYMMDDHH() string {
	return c.Now().UTC().Format("2006010215")
}

// Communication is a recording interfaces.Communication fake.
type Communication struct {
	mu      sync.Mutex
	Sent    []json.RawMessage
	SendErr error
}

func (c *Communication) Send(ctx context.Context, message json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make(json.RawMessage, len(message))
	copy(cp, message)
	c.Sent = append(c.Sent, cp)
	return nil
}

// Quorum is a call-counting interfaces.QuorumService fake.
type Quorum struct {
	mu             sync.Mutex
	IncrementCalls map[string]int
	ConsentCalls   map[string]int
	ConsentResult  bool
	IncrementErr   error
	ConsentErr     error
}

func NewQuorum() *Quorum {
	return &Quorum{
		IncrementCalls: make(map[string]int),
		ConsentCalls:   make(map[string]int),
	}
}

func (q *Quorum) SendIncrement(ctx context.Context, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.IncrementCalls[text]++
	return q.IncrementErr
}

func (q *Quorum) CheckConsent(ctx context.Context, text string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ConsentCalls[text]++
	return q.ConsentResult, q.ConsentErr
}

// Doublefetcher is a scripted interfaces.Doublefetcher fake.
type Doublefetcher struct {
	mu        sync.Mutex
	Responses map[string]interfaces.DoublefetchResult
	Err       error
}

func NewDoublefetcher() *Doublefetcher {
	return &Doublefetcher{Responses: make(map[string]interfaces.DoublefetchResult)}
}

func (d *Doublefetcher) Fetch(ctx context.Context, url string) (interfaces.DoublefetchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return interfaces.DoublefetchResult{}, d.Err
	}
	if res, ok := d.Responses[url]; ok {
		return res, nil
	}
	return interfaces.DoublefetchResult{URL: url, StatusCode: 200}, nil
}

// StaticPatterns is a fixed-document interfaces.PatternsSource fake.
type StaticPatterns struct {
	Raw json.RawMessage
	Err error
}

func (p *StaticPatterns) FetchRuleset(ctx context.Context) (json.RawMessage, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Raw, nil
}
