// Package session implements the SessionStorageWrapper (spec.md §4.3): a
// crash-safe, debounced, batched cache in front of a sandboxed session
// key-value API that may be unavailable.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

const (
	minFlushInterval     = 50 * time.Millisecond
	hardFlushInterval    = 300 * time.Millisecond
	selfCheckStalePeriod = 5 * time.Second
)

// Wrapper is a namespaced, debounced cache over interfaces.SessionStorage.
type Wrapper struct {
	ns      string
	version int
	backend interfaces.SessionStorage
	logger  arbor.ILogger
	writer  *concurrency.SerialQueue

	mu           sync.Mutex
	cache        map[string]string // namespaced key -> value
	added        map[string]bool
	removed      map[string]bool
	firstDirtyAt time.Time
	timer        *time.Timer
}

// NewWrapper constructs a Wrapper for namespace ns at schema version.
// Keys are persisted under "<ns>::v<version>::<key>" (spec.md §4.3).
func NewWrapper(ns string, version int, backend interfaces.SessionStorage, logger arbor.ILogger) *Wrapper {
	return &Wrapper{
		ns:      ns,
		version: version,
		backend: backend,
		logger:  logger,
		writer:  concurrency.NewSerialQueue("session:"+ns, logger),
		cache:   make(map[string]string),
		added:   make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Close stops the debounce timer and the background flush goroutine.
func (w *Wrapper) Close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.writer.Close()
}

func (w *Wrapper) prefix() string {
	return fmt.Sprintf("%s::v%d::", w.ns, w.version)
}

func (w *Wrapper) namespacedKey(key string) string {
	return w.prefix() + key
}

// Load populates the cache from the backend. If the backend is
// unavailable, the wrapper simply starts empty and operates purely
// in-memory until a flush succeeds.
func (w *Wrapper) Load(ctx context.Context) error {
	values, err := w.backend.SessionGet(ctx, w.prefix())
	if err != nil {
		if w.logger != nil {
			w.logger.Warn().Str("ns", w.ns).Err(err).Msg("session: backend unavailable on load, starting empty")
		}
		return nil
	}
	w.mu.Lock()
	for k, v := range values {
		w.cache[k] = v
	}
	w.mu.Unlock()
	return nil
}

// Get returns the cached value for key, if present.
func (w *Wrapper) Get(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.cache[w.namespacedKey(key)]
	return v, ok
}

// Set writes key=value to the cache and schedules a debounced flush.
func (w *Wrapper) Set(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	nk := w.namespacedKey(key)
	w.cache[nk] = value
	delete(w.removed, nk)
	w.added[nk] = true
	w.markDirtyLocked()
}

// Remove deletes key from the cache and schedules a debounced flush.
func (w *Wrapper) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	nk := w.namespacedKey(key)
	delete(w.cache, nk)
	delete(w.added, nk)
	w.removed[nk] = true
	w.markDirtyLocked()
}

func (w *Wrapper) markDirtyLocked() {
	now := time.Now()
	if w.firstDirtyAt.IsZero() {
		w.firstDirtyAt = now
	}
	w.armLocked(now)
}

// armLocked (re)schedules the flush timer, debouncing by minFlushInterval
// from now but never past hardFlushInterval from the first dirty mark.
func (w *Wrapper) armLocked(now time.Time) {
	hardDeadline := w.firstDirtyAt.Add(hardFlushInterval)
	delay := minFlushInterval
	if now.Add(delay).After(hardDeadline) {
		delay = hardDeadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, w.onTimerFire)
}

func (w *Wrapper) onTimerFire() {
	_ = w.Flush(context.Background())
}

// Flush forces an immediate synchronous flush attempt.
func (w *Wrapper) Flush(ctx context.Context) error {
	return w.writer.Run(ctx, func() { w.flush(ctx) })
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (w *Wrapper) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.added) == 0 && len(w.removed) == 0 {
		w.mu.Unlock()
		return
	}
	addedKeys := keysOf(w.added)
	removedKeys := keysOf(w.removed)
	values := make(map[string]string, len(addedKeys))
	for _, k := range addedKeys {
		values[k] = w.cache[k]
	}
	w.mu.Unlock()

	var setErr, removeErr error
	if len(values) > 0 {
		setErr = w.backend.SessionSet(ctx, values)
	}
	if len(removedKeys) > 0 {
		removeErr = w.backend.SessionRemove(ctx, removedKeys)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if setErr != nil || removeErr != nil {
		flushErr := setErr
		if flushErr == nil {
			flushErr = removeErr
		}
		if w.logger != nil {
			w.logger.Error().Str("ns", w.ns).Err(flushErr).Msg("session: flush failed, forcing full resync")
		}
		for _, k := range removedKeys {
			w.removed[k] = true
		}
		for k := range w.cache {
			w.added[k] = true
		}
		w.armLocked(time.Now())
		return
	}

	for _, k := range addedKeys {
		delete(w.added, k)
	}
	for _, k := range removedKeys {
		delete(w.removed, k)
	}
	if len(w.added) == 0 && len(w.removed) == 0 {
		w.firstDirtyAt = time.Time{}
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
}

// SelfChecks validates internal consistency per spec.md §4.3 and returns a
// list of problem descriptions (empty when healthy).
func (w *Wrapper) SelfChecks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var problems []string
	if !w.firstDirtyAt.IsZero() && time.Since(w.firstDirtyAt) > selfCheckStalePeriod && w.timer == nil {
		problems = append(problems, "changes pending more than 5s without a flush scheduled")
	}
	for k := range w.added {
		if w.removed[k] {
			problems = append(problems, fmt.Sprintf("key %q marked both added and removed", k))
		}
		if _, ok := w.cache[k]; !ok {
			problems = append(problems, fmt.Sprintf("added key %q missing from cache", k))
		}
	}
	for k := range w.removed {
		if _, ok := w.cache[k]; ok {
			problems = append(problems, fmt.Sprintf("removed key %q still present in cache", k))
		}
	}
	return problems
}
