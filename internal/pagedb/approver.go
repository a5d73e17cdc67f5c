package pagedb

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/bloom"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/hashes"
)

const (
	writeBufferLimit  = 1000
	minCooldown       = 14 * time.Hour
	cooldownJitterCap = 2 * time.Hour
)

// Approver is NewPageApprover (spec.md §4.5): gates admission of new pages
// into PageDB against the private-pages bloom filter and a short dedup
// cooldown, and marks pages private forever when PageDB's heuristics call
// for it.
type Approver struct {
	bloom  *bloom.Filter
	hashes *hashes.Store
	logger arbor.ILogger
	writer *concurrency.SerialQueue
	rng    *rand.Rand

	writeBuffer map[string]bool
}

// NewPageApprover constructs an Approver over an already-Ready bloom filter
// and an already-loaded hashes store.
func NewPageApprover(bloomFilter *bloom.Filter, hashesStore *hashes.Store, logger arbor.ILogger) *Approver {
	return &Approver{
		bloom:       bloomFilter,
		hashes:      hashesStore,
		logger:      logger,
		writer:      concurrency.NewSerialQueue("pageapprover", logger),
		rng:         rand.New(rand.NewSource(1)),
		writeBuffer: make(map[string]bool),
	}
}

// Close releases the approver's background writer goroutine.
func (a *Approver) Close() {
	a.writer.Close()
}

func dedupHash(url string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return h.Sum32()
}

// msToNextUTCMidnight returns the number of milliseconds from nowMs until
// the next UTC midnight.
func msToNextUTCMidnight(nowMs int64) int64 {
	now := time.UnixMilli(nowMs).UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return midnight.UnixMilli() - nowMs
}

// determineEndOfPageCooldown computes the dedup-hash expiry for a newly
// admitted page (spec.md §4.5): at least 14h, extended out to the next UTC
// midnight when that is further away, plus up to 2h of jitter so cooldown
// expiries do not all cluster at the same instant.
func (a *Approver) determineEndOfPageCooldown(now int64) int64 {
	toMidnight := msToNextUTCMidnight(now)
	base := minCooldown.Milliseconds()
	if toMidnight > base {
		base = toMidnight
	}
	jitter := a.rng.Int63n(cooldownJitterCap.Milliseconds() + 1)
	return now + base + jitter
}

// AllowCreation reports whether url may be newly tracked by PageDB (spec.md
// §4.5): rejected if its dedup hash is still cooling down in PersistedHashes
// or the private-pages bloom filter already claims it. On acceptance, the
// dedup hash is recorded with a fresh cooldown so rapid re-navigations to
// the same URL do not re-trigger admission logic.
func (a *Approver) AllowCreation(ctx context.Context, url string, now int64) (bool, error) {
	h := dedupHash(url)
	inCooldown, err := a.hashes.Has(ctx, h)
	if err != nil {
		return false, err
	}
	if inCooldown {
		return false, nil
	}
	private, err := a.bloom.MightContain(ctx, url, bloom.MightContainOptions{})
	if err != nil {
		return false, err
	}
	if private {
		return false, nil
	}
	if _, err := a.hashes.Add(ctx, h, a.determineEndOfPageCooldown(now)); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPrivate flags url as permanently private: it is staged in a bounded
// write buffer and added to the bloom filter. An overflowing buffer is
// reset and logged rather than grown unbounded (spec.md §4.5).
func (a *Approver) MarkPrivate(ctx context.Context, url string) error {
	var addErr error
	_ = a.writer.Run(ctx, func() {
		if len(a.writeBuffer) >= writeBufferLimit {
			if a.logger != nil {
				a.logger.Error().Int("size", len(a.writeBuffer)).Msg("pagedb: private-pages write buffer overflow, resetting")
			}
			a.writeBuffer = make(map[string]bool)
		}
		a.writeBuffer[url] = true
	})
	if addErr = a.bloom.Add(ctx, url); addErr != nil && a.logger != nil {
		a.logger.Error().Str("url", url).Err(addErr).Msg("pagedb: failed adding url to private-pages filter")
	}
	return addErr
}
