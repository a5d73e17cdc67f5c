// Package pagedb implements PageDB (spec.md §4.5): the page aggregation
// store that deduplicates, cools down, and expires candidate pages before
// they reach the doublefetch pipeline. All mutating methods run inside a
// single-writer region (spec.md §5).
package pagedb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

const keyPrefix = "page::"

// maxAllowedMappings mirrors spec.md §5's resource cap. The per-call scan
// limit is AcquireOptions.MaxEntriesToCheck (zero or less scans every entry).
const maxAllowedMappings = 2000

// AcquireOptions tunes AcquireExpiredPages (spec.md §4.5).
type AcquireOptions struct {
	MinPageCooldownInMs int64
	ForceExpiration     bool
	MaxEntriesToCheck    int
}

// PageDB is the page aggregation store (spec.md §4.5).
type PageDB struct {
	kv       interfaces.KeyValueStorage
	clock    interfaces.TrustedClock
	approver *Approver
	logger   arbor.ILogger
	writer   *concurrency.SerialQueue

	aggregatedPages     map[string]*PageEntry
	urlsToPersistedKeys map[string]string
	dirty               map[string]bool
	expiration          []expirationItem // ascending by CreatedAt
	loaded              bool
}

// NewPageDB constructs a PageDB. Load must be called before any mutating
// method.
func NewPageDB(kv interfaces.KeyValueStorage, clock interfaces.TrustedClock, approver *Approver, logger arbor.ILogger) *PageDB {
	return &PageDB{
		kv:                  kv,
		clock:               clock,
		approver:            approver,
		logger:              logger,
		writer:              concurrency.NewSerialQueue("pagedb", logger),
		aggregatedPages:     make(map[string]*PageEntry),
		urlsToPersistedKeys: make(map[string]string),
		dirty:               make(map[string]bool),
	}
}

// Close releases the PageDB's background writer goroutine.
func (p *PageDB) Close() {
	p.writer.Close()
}

func (p *PageDB) nowMillis() int64 {
	return p.clock.Now().UnixNano() / 1e6
}

// normalizeURL strips the fragment from rawURL, per spec.md §3 "url
// (normalized: fragment stripped)".
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String()
}

func parseKey(key string) (createdAt int64, pageURL string, ok bool) {
	rest := strings.TrimPrefix(key, keyPrefix)
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(rest[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, rest[idx+1:], true
}

func buildKey(createdAt int64, pageURL string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, createdAt, pageURL)
}

// Load populates in-memory indexes from storage. Safe to call once.
func (p *PageDB) Load(ctx context.Context) error {
	var loadErr error
	_ = p.writer.Run(ctx, func() {
		loadErr = p.loadLocked(ctx)
	})
	return loadErr
}

func (p *PageDB) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	pairs, err := p.kv.ListByPrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("pagedb: load: %w", err)
	}
	for _, pair := range pairs {
		createdAt, pageURL, ok := parseKey(pair.Key)
		if !ok {
			if p.logger != nil {
				p.logger.Warn().Str("key", pair.Key).Msg("pagedb: dropping corrupted key on load")
			}
			_ = p.kv.Delete(ctx, pair.Key)
			continue
		}
		var stored persistedEntry
		if err := json.Unmarshal([]byte(pair.Value), &stored); err != nil {
			if p.logger != nil {
				p.logger.Warn().Str("key", pair.Key).Err(err).Msg("pagedb: dropping corrupted entry on load")
			}
			_ = p.kv.Delete(ctx, pair.Key)
			continue
		}
		entry := stored.Entry
		p.aggregatedPages[pageURL] = &entry
		p.urlsToPersistedKeys[pageURL] = pair.Key
		p.expiration = append(p.expiration, expirationItem{URL: pageURL, CreatedAt: createdAt})
	}
	sort.Slice(p.expiration, func(i, j int) bool { return p.expiration[i].CreatedAt < p.expiration[j].CreatedAt })
	p.loaded = true
	return p.emergencyCleanupLocked(ctx)
}

// emergencyCleanupLocked wipes every PageDB key, in batches of 100, when the
// stored key count exceeds maxAllowedMappings (spec.md §4.5
// "_emergencyCleanup").
func (p *PageDB) emergencyCleanupLocked(ctx context.Context) error {
	if len(p.urlsToPersistedKeys) <= maxAllowedMappings {
		return nil
	}
	if p.logger != nil {
		p.logger.Error().Int("count", len(p.urlsToPersistedKeys)).Msg("pagedb: emergency cleanup, too many mappings")
	}
	keys := make([]string, 0, len(p.urlsToPersistedKeys))
	for _, k := range p.urlsToPersistedKeys {
		keys = append(keys, k)
	}
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			_ = p.kv.Delete(ctx, k)
		}
	}
	p.aggregatedPages = make(map[string]*PageEntry)
	p.urlsToPersistedKeys = make(map[string]string)
	p.dirty = make(map[string]bool)
	p.expiration = nil
	return nil
}

func (p *PageDB) persistURLLocked(ctx context.Context, pageURL string) error {
	entry, ok := p.aggregatedPages[pageURL]
	if !ok {
		return nil
	}
	createdAt := entry.Aggregator.FirstSeenAt
	key, exists := p.urlsToPersistedKeys[pageURL]
	if !exists {
		key = buildKey(createdAt, pageURL)
		p.urlsToPersistedKeys[pageURL] = key
		p.expiration = append(p.expiration, expirationItem{URL: pageURL, CreatedAt: createdAt})
		sort.Slice(p.expiration, func(i, j int) bool { return p.expiration[i].CreatedAt < p.expiration[j].CreatedAt })
	}
	now := p.nowMillis()
	entry.Aggregator.LastWrittenAt = &now
	buf, err := json.Marshal(persistedEntry{CreatedAt: createdAt, Entry: *entry})
	if err != nil {
		return fmt.Errorf("pagedb: marshal: %w", err)
	}
	if err := p.kv.Set(ctx, key, string(buf), "page aggregation entry"); err != nil {
		return fmt.Errorf("pagedb: persist: %w", err)
	}
	delete(p.dirty, pageURL)
	return nil
}

func (p *PageDB) removeURLLocked(ctx context.Context, pageURL string) {
	if key, ok := p.urlsToPersistedKeys[pageURL]; ok {
		_ = p.kv.Delete(ctx, key)
		delete(p.urlsToPersistedKeys, pageURL)
	}
	delete(p.aggregatedPages, pageURL)
	delete(p.dirty, pageURL)
	out := p.expiration[:0]
	for _, item := range p.expiration {
		if item.URL != pageURL {
			out = append(out, item)
		}
	}
	p.expiration = out
}

// mergePages folds incoming entries (already URL-matched) into base,
// oldest-first, applying spec.md §4.5's "mergePages" field policy: newer
// wins, except search.depth==1 which dominates once set.
func mergePages(base *PageEntry, incoming []PageEntry) *PageEntry {
	sorted := append([]PageEntry(nil), incoming...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LastUpdatedAt < sorted[j].LastUpdatedAt })

	merged := base
	for i := range sorted {
		next := &sorted[i]
		if merged == nil {
			cp := *next
			merged = &cp
			continue
		}
		dominant := merged.Search != nil && merged.Search.Depth == 1
		prevAgg := merged.Aggregator
		cp := *next
		if dominant {
			cp.Search = merged.Search
		}
		cp.Aggregator = PageAggregator{
			FirstSeenAt: minInt64(prevAgg.FirstSeenAt, orDefault(next.Aggregator.FirstSeenAt, next.LastUpdatedAt)),
			LastSeenAt:  maxInt64(prevAgg.LastSeenAt, orDefault(next.Aggregator.LastSeenAt, next.LastUpdatedAt)),
			Activity:    maxFloat(prevAgg.Activity, next.Aggregator.Activity),
			LastWrittenAt: nil, // folding always marks dirty
		}
		merged = &cp
	}
	return merged
}

func orDefault(v, fallback int64) int64 {
	if v == 0 {
		return fallback
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// UpdatePages implements spec.md §4.5 "updatePages(openPages, activePage)".
// openPages is the observer's current snapshot of open tab pages, already
// URL-tagged; entries sharing the same normalized URL are treated as one
// tab group and merged together before being matched against the store.
func (p *PageDB) UpdatePages(ctx context.Context, openPages []PageEntry, activePage string) error {
	return p.writer.Run(ctx, func() {
		if err := p.loadLocked(ctx); err != nil {
			if p.logger != nil {
				p.logger.Error().Err(err).Msg("pagedb: UpdatePages load failed")
			}
			return
		}
		activeNorm := normalizeURL(activePage)
		byURL := make(map[string][]PageEntry)
		for _, e := range openPages {
			e.URL = normalizeURL(e.URL)
			byURL[e.URL] = append(byURL[e.URL], e)
		}

		now := p.nowMillis()
		for pageURL, group := range byURL {
			if existing, tracked := p.aggregatedPages[pageURL]; tracked {
				isActive := pageURL == activeNorm
				newer := false
				for _, g := range group {
					if g.LastUpdatedAt > existing.LastUpdatedAt {
						newer = true
						break
					}
				}
				if !isActive && !newer {
					continue
				}
				merged := mergePages(existing, group)
				p.aggregatedPages[pageURL] = merged
				p.dirty[pageURL] = true
				if perr := p.persistURLLocked(ctx, pageURL); perr != nil && p.logger != nil {
					p.logger.Error().Str("url", pageURL).Err(perr).Msg("pagedb: persist on merge failed")
				}
				continue
			}

			allowed, err := p.approver.AllowCreation(ctx, pageURL, now)
			if err != nil {
				if p.logger != nil {
					p.logger.Error().Str("url", pageURL).Err(err).Msg("pagedb: AllowCreation failed")
				}
				continue
			}
			if !allowed {
				if p.logger != nil {
					p.logger.Debug().Str("url", pageURL).Msg("pagedb: rejected new page by approver")
				}
				continue
			}
			merged := mergePages(nil, group)
			if merged.Aggregator.FirstSeenAt == 0 {
				merged.Aggregator.FirstSeenAt = now
			}
			if merged.Aggregator.LastSeenAt == 0 {
				merged.Aggregator.LastSeenAt = now
			}
			p.aggregatedPages[pageURL] = merged
			p.dirty[pageURL] = true
			if perr := p.persistURLLocked(ctx, pageURL); perr != nil && p.logger != nil {
				p.logger.Error().Str("url", pageURL).Err(perr).Msg("pagedb: persist on insert failed")
			}
		}
	})
}

// AcquireExpiredPages implements spec.md §4.5: scans the head of the
// createdAt-ascending expiration sequence, applies static privacy
// heuristics to completed pages, and returns the surviving entries as
// promoted (ready for the next pipeline stage). Every page examined is
// consumed (removed from PageDB) regardless of outcome.
func (p *PageDB) AcquireExpiredPages(ctx context.Context, opts AcquireOptions) ([]PageEntry, error) {
	var promoted []PageEntry
	err := p.writer.Run(ctx, func() {
		if lerr := p.loadLocked(ctx); lerr != nil {
			if p.logger != nil {
				p.logger.Error().Err(lerr).Msg("pagedb: AcquireExpiredPages load failed")
			}
			return
		}
		now := p.nowMillis()
		limit := opts.MaxEntriesToCheck
		if limit <= 0 || limit > len(p.expiration) {
			limit = len(p.expiration)
		}
		var toConsume []string
		for i := 0; i < limit; i++ {
			item := p.expiration[i]
			expired := opts.ForceExpiration || now >= item.CreatedAt+opts.MinPageCooldownInMs
			if !expired {
				break
			}
			toConsume = append(toConsume, item.URL)
		}

		for _, pageURL := range toConsume {
			entry, ok := p.aggregatedPages[pageURL]
			if !ok {
				continue
			}
			cp := *entry
			p.removeURLLocked(ctx, pageURL)

			complete := cp.Status == "complete" && len(cp.PreDoublefetch) > 0
			if !complete {
				continue
			}
			if cp.NoIndex {
				if merr := p.approver.MarkPrivate(ctx, pageURL); merr != nil && p.logger != nil {
					p.logger.Error().Str("url", pageURL).Err(merr).Msg("pagedb: MarkPrivate (noindex) failed")
				}
				continue
			}
			if cp.Search != nil && cp.Search.Depth == 0 {
				if merr := p.approver.MarkPrivate(ctx, pageURL); merr != nil && p.logger != nil {
					p.logger.Error().Str("url", pageURL).Err(merr).Msg("pagedb: MarkPrivate (serp) failed")
				}
				continue
			}
			promoted = append(promoted, cp)
		}
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// Len reports how many pages PageDB is currently tracking (for tests and
// self-checks).
func (p *PageDB) Len(ctx context.Context) int {
	var n int
	_ = p.writer.Run(ctx, func() {
		_ = p.loadLocked(ctx)
		n = len(p.aggregatedPages)
	})
	return n
}

// SelfChecks validates spec.md §8's "PageDB index consistency" invariant:
// aggregatedPages, urlsToPersistedKeys and expiration must agree on the
// same set of URLs, and expiration must stay createdAt-ascending.
func (p *PageDB) SelfChecks(ctx context.Context) []string {
	var problems []string
	_ = p.writer.Run(ctx, func() {
		_ = p.loadLocked(ctx)
		if len(p.aggregatedPages) != len(p.urlsToPersistedKeys) {
			problems = append(problems, "aggregatedPages and urlsToPersistedKeys sizes differ")
		}
		if len(p.aggregatedPages) != len(p.expiration) {
			problems = append(problems, "aggregatedPages and expiration sizes differ")
		}
		for i := 1; i < len(p.expiration); i++ {
			if p.expiration[i-1].CreatedAt > p.expiration[i].CreatedAt {
				problems = append(problems, "expiration sequence is not createdAt-ascending")
				break
			}
		}
		for url := range p.aggregatedPages {
			if _, ok := p.urlsToPersistedKeys[url]; !ok {
				problems = append(problems, fmt.Sprintf("url %q missing persisted key", url))
			}
		}
	})
	return problems
}
