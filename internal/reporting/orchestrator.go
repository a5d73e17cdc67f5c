// Package reporting implements the Reporting orchestrator (C10,
// SPEC_FULL.md §4.10): it owns one instance of each of C1-C9 and the
// cron-driven tick loop that drives a page from first navigation through
// to a sent message.
package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/bloom"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/hashes"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
	"github.com/whotracksme/wtm-reporting/internal/pagedb"
	"github.com/whotracksme/wtm-reporting/internal/patterns"
	"github.com/whotracksme/wtm-reporting/internal/quorum"
	"github.com/whotracksme/wtm-reporting/internal/sanitizer"
	"github.com/whotracksme/wtm-reporting/internal/scheduler"
	"github.com/whotracksme/wtm-reporting/internal/session"
	"github.com/whotracksme/wtm-reporting/internal/urlanalyzer"
)

const (
	jobTypeDoublefetchPage  = "doublefetch-page"
	jobTypePageQuorumCheck  = "page-quorum-check"
	jobTypeSendMessage      = "send-message"
)

// Deps carries the external collaborators the orchestrator wires into
// C1-C9 (spec.md §6): storage, trusted clock, the sandboxed session
// backend, the remote quorum service, the best-effort transport, the
// doublefetcher, and the ruleset source for PATTERNS_URL.
type Deps struct {
	KV            interfaces.KeyValueStorage
	Clock         interfaces.TrustedClock
	SessionBackend interfaces.SessionStorage
	Quorum        interfaces.QuorumService
	Transport     interfaces.Communication
	Doublefetcher interfaces.Doublefetcher
	Patterns      interfaces.PatternsSource
	Logger        arbor.ILogger
}

// Orchestrator is internal/reporting.Orchestrator (SPEC_FULL.md §4.10).
type Orchestrator struct {
	cfg  *common.Config
	deps Deps

	bloomFilter *bloom.Filter
	hashStore   *hashes.Store
	sessionWrap *session.Wrapper
	scheduler   *scheduler.Scheduler
	approver    *pagedb.Approver
	pageDB      *pagedb.PageDB
	quorum      *quorum.Checker
	transforms  *patterns.TransformRunner
	analyzer    *urlanalyzer.Analyzer

	cron *cron.Cron

	// generation implements the "last init/unload call wins" rule
	// (spec.md §5): every async operation captures the generation at
	// start and discards its result if it has since changed.
	generation int64

	ruleset atomic.Value // patterns.RulesetSnapshot
	active  atomic.Bool
}

// New constructs an Orchestrator. Call Init to start it.
func New(cfg *common.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("reporting: nil config")
	}
	o := &Orchestrator{cfg: cfg, deps: deps}
	o.ruleset.Store(patterns.RulesetSnapshot{Status: patterns.StatusNotLoadedYet})

	filter, err := bloom.NewFilter(bloom.Config{
		Name: cfg.Bloom.Name, Version: cfg.Bloom.Version, Partitions: cfg.Bloom.Partitions,
		MaxGenerations: cfg.Bloom.MaxGenerations, RotationInterval: cfg.Bloom.RotationIntervalMs,
		ShardBits: cfg.Bloom.ShardBits,
	}, deps.KV, deps.Clock, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("reporting: bloom filter: %w", err)
	}
	o.bloomFilter = filter
	o.hashStore = hashes.NewStore(deps.KV, deps.Clock, deps.Logger)
	o.approver = pagedb.NewPageApprover(filter, o.hashStore, deps.Logger)
	o.pageDB = pagedb.NewPageDB(deps.KV, deps.Clock, o.approver, deps.Logger)
	o.sessionWrap = session.NewWrapper(cfg.Quorum.Namespace, cfg.Session.Version, deps.SessionBackend, deps.Logger)
	o.quorum = quorum.NewChecker(deps.Quorum, o.sessionWrap, deps.Logger)
	o.scheduler = scheduler.NewScheduler(deps.KV, deps.Clock, deps.Logger, cfg.Scheduler.GlobalJobLimit)
	o.transforms = patterns.NewTransformRunner()
	o.analyzer = urlanalyzer.NewAnalyzer(nil, o.currentRuleset)
	o.cron = cron.New()

	return o, nil
}

func (o *Orchestrator) currentRuleset() patterns.RulesetSnapshot {
	return o.ruleset.Load().(patterns.RulesetSnapshot)
}

// Init implements the single-writer "last call wins" init/unload pair
// (spec.md §5). Calling Init again before Unload bumps the generation and
// keeps the handlers the first Init registered; any in-flight tick from a
// previous generation discards its result once it notices the mismatch.
func (o *Orchestrator) Init(ctx context.Context) error {
	gen := atomic.AddInt64(&o.generation, 1)
	o.active.Store(true)

	if err := o.sessionWrap.Load(ctx); err != nil {
		return fmt.Errorf("reporting: init: session load: %w", err)
	}
	if err := o.bloomFilter.Ready(ctx, o.deps.Clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("reporting: init: bloom ready: %w", err)
	}
	if err := o.refreshRuleset(ctx); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Warn().Err(err).Msg("reporting: init: ruleset fetch failed, keeping previous snapshot")
	}
	if err := o.registerHandlers(); err != nil && !errors.Is(err, scheduler.ErrHandlerExists) {
		return fmt.Errorf("reporting: init: %w", err)
	}

	interval := o.cfg.Reporting.TickIntervalMs
	if interval <= 0 {
		interval = 30000
	}
	spec := fmt.Sprintf("@every %dms", interval)
	if _, err := o.cron.AddFunc(spec, func() { o.tick(gen) }); err != nil {
		return fmt.Errorf("reporting: init: schedule tick: %w", err)
	}
	o.cron.Start()
	return nil
}

// Unload flips active=false and stops the cron loop; any handler
// invocation already in flight completes but its result is discarded
// once it observes the generation has moved on (spec.md §5).
func (o *Orchestrator) Unload(ctx context.Context) error {
	atomic.AddInt64(&o.generation, 1)
	o.active.Store(false)
	stopCtx := o.cron.Stop()
	<-stopCtx.Done()
	o.cron = cron.New()
	o.scheduler.Close()
	o.pageDB.Close()
	o.approver.Close()
	o.hashStore.Close()
	o.sessionWrap.Close()
	return nil
}

func (o *Orchestrator) refreshRuleset(ctx context.Context) error {
	if o.deps.Patterns == nil {
		return nil
	}
	raw, err := o.deps.Patterns.FetchRuleset(ctx)
	if err != nil {
		return err
	}
	o.ruleset.Store(patterns.Decode(raw))
	return nil
}

func (o *Orchestrator) tick(gen int64) {
	if atomic.LoadInt64(&o.generation) != gen || !o.active.Load() {
		return
	}
	ctx := context.Background()
	now := hashes.NowMillis(o.deps.Clock)

	if err := o.bloomFilter.Ready(ctx, now); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Warn().Err(err).Msg("reporting: tick: bloom generation rotation")
	}
	if atomic.LoadInt64(&o.generation) != gen {
		return
	}
	if _, err := o.hashStore.Sweep(ctx, now); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Warn().Err(err).Msg("reporting: tick: hash store sweep")
	}
	if atomic.LoadInt64(&o.generation) != gen {
		return
	}

	_ = o.scheduler.ProcessPendingJobs(ctx, 0, true)
	if atomic.LoadInt64(&o.generation) != gen {
		return
	}
	expired, err := o.pageDB.AcquireExpiredPages(ctx, pagedb.AcquireOptions{
		MinPageCooldownInMs: o.cfg.PageDB.MinPageCooldownMs,
		MaxEntriesToCheck:   o.cfg.PageDB.MaxEntriesToCheckPerTick,
	})
	if err != nil {
		if o.deps.Logger != nil {
			o.deps.Logger.Warn().Err(err).Msg("reporting: tick: acquire expired pages")
		}
		return
	}
	if atomic.LoadInt64(&o.generation) != gen {
		return
	}
	for _, page := range expired {
		args, merr := json.Marshal(page)
		if merr != nil {
			continue
		}
		_, _ = o.scheduler.RegisterJob(ctx, scheduler.Job{Type: jobTypeDoublefetchPage, Args: args}, scheduler.RegisterOptions{})
	}
}

// Observe is the single entry point fed by the external tab/page observer
// (spec.md §6). It only acts on safe-page-navigation and
// safe-search-landing event types, matching spec.md §1's explicit scope
// boundary (the observation layer itself is out of scope).
func (o *Orchestrator) Observe(ctx context.Context, event interfaces.PageEvent) error {
	if !o.active.Load() {
		return nil
	}
	switch event.Type {
	case interfaces.PageEventSafeNavigation, interfaces.PageEventSafeSearchLand:
	default:
		return nil
	}
	if len(event.OpenPages) == 0 {
		return nil
	}
	var openPages []pagedb.PageEntry
	if err := json.Unmarshal(event.OpenPages, &openPages); err != nil {
		return fmt.Errorf("reporting: observe: decode open pages: %w", err)
	}
	return o.pageDB.UpdatePages(ctx, openPages, event.ActivePage)
}

// SanitizerOptions exposes the configured C7 options for callers building
// their own pipelines outside the registered job handlers (e.g. manual QA
// tooling).
func (o *Orchestrator) SanitizerOptions() sanitizer.Options {
	return sanitizer.Options{Strict: o.cfg.Sanitizer.Strict, TryPreservePath: o.cfg.Sanitizer.TryPreservePath}
}
