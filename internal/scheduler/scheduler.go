// Package scheduler implements the JobScheduler (spec.md §4.4): a
// priority- and cooldown-aware job queue with retries, TTL expiry, and a
// single global running slot, persisted as one JSON blob per process.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/concurrency"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

const storageKey = "scheduler::jobs"

const oneDayMs int64 = 24 * 60 * 60 * 1000

// Scheduler is the JobScheduler described in spec.md §4.4.
type Scheduler struct {
	kv             interfaces.KeyValueStorage
	clock          interfaces.TrustedClock
	logger         arbor.ILogger
	writer         *concurrency.SerialQueue
	validate       *validator.Validate
	globalJobLimit int
	rng            *rand.Rand

	// All fields below are touched only from inside s.writer.Run closures,
	// which serializes access on a single background goroutine — the same
	// single-writer region every other CORE component uses, per spec.md §5.
	handlers      map[string]*registeredHandler
	typesOrder    []string
	db            persistedDB
	cooldownUntil map[string]int64
	observers     []ObserverFunc
	loaded        bool
}

// runLocked submits fn to the writer's single-writer region using a
// background context. It is used by call sites (RegisterHandler, Observe,
// SelfChecks) that have no caller-supplied context but still must not
// touch handlers/typesOrder/db/cooldownUntil/observers outside the region.
func (s *Scheduler) runLocked(fn func()) {
	_ = s.writer.Run(context.Background(), fn)
}

// NewScheduler constructs a Scheduler. globalJobLimit bounds the total
// number of live entries across every type and queue (spec.md §3
// "global total ≤ globalJobLimit").
func NewScheduler(kv interfaces.KeyValueStorage, clock interfaces.TrustedClock, logger arbor.ILogger, globalJobLimit int) *Scheduler {
	if globalJobLimit <= 0 {
		globalJobLimit = 500
	}
	return &Scheduler{
		kv:             kv,
		clock:          clock,
		logger:         logger,
		writer:         concurrency.NewSerialQueue("scheduler", logger),
		validate:       validator.New(),
		globalJobLimit: globalJobLimit,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers:       make(map[string]*registeredHandler),
		cooldownUntil:  make(map[string]int64),
		db: persistedDB{
			DBVersion: currentDBVersion,
			Types:     make(map[string]*typeQueues),
		},
	}
}

// Close releases the scheduler's background writer goroutine.
func (s *Scheduler) Close() {
	s.writer.Close()
}

// Observe registers fn to receive lifecycle notifications.
func (s *Scheduler) Observe(fn ObserverFunc) {
	s.runLocked(func() {
		s.observers = append(s.observers, fn)
	})
}

func (s *Scheduler) notifyLocked(event ObserverEvent, jobType string, payload interface{}) {
	for _, obs := range s.observers {
		obs(event, jobType, payload)
	}
}

func (s *Scheduler) nowMillis() int64 {
	return s.clock.Now().UnixNano() / int64(time.Millisecond)
}

// RegisterHandler registers fn as the executor for jobType with cfg,
// rejecting invalid configs outright (spec.md §4.4 "Handlers are
// registered by type with a single fully resolved JobConfig").
func (s *Scheduler) RegisterHandler(jobType string, cfg JobConfig, fn HandlerFunc) error {
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var regErr error
	s.runLocked(func() {
		if _, exists := s.handlers[jobType]; exists {
			regErr = fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
			return
		}
		s.handlers[jobType] = &registeredHandler{Config: cfg, Fn: fn}
		s.typesOrder = append(s.typesOrder, jobType)
		if s.db.Types[jobType] == nil {
			s.db.Types[jobType] = newTypeQueues()
		}
	})
	return regErr
}

// RegisterHandlerFromJSON decodes rawConfig strictly (unknown keys
// rejected, per spec.md §4.4) before delegating to RegisterHandler.
func (s *Scheduler) RegisterHandlerFromJSON(jobType string, rawConfig json.RawMessage, fn HandlerFunc) error {
	var cfg JobConfig
	dec := json.NewDecoder(strings.NewReader(string(rawConfig)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return s.RegisterHandler(jobType, cfg, fn)
}

func (s *Scheduler) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("scheduler: load: %w", err)
	}
	var stored persistedDB
	if jsonErr := json.Unmarshal([]byte(raw), &stored); jsonErr != nil {
		if s.logger != nil {
			s.logger.Warn().Err(jsonErr).Msg("scheduler: discarding corrupted persisted queue")
		}
		s.loaded = true
		return nil
	}
	if stored.Types == nil {
		stored.Types = make(map[string]*typeQueues)
	}
	if stored.DBVersion < currentDBVersion {
		s.migrate(&stored)
	}

	now := s.nowMillis()
	for jobType, tq := range stored.Types {
		tq.Waiting = purgeCorruptOrFuture(tq.Waiting, now, s.logger)
		tq.Ready = purgeCorruptOrFuture(tq.Ready, now, s.logger)
		tq.Retryable = purgeCorruptOrFuture(tq.Retryable, now, s.logger)
		// Best-effort: a running job could not have survived a restart.
		if len(tq.Running) > 0 && s.logger != nil {
			s.logger.Warn().Str("type", jobType).Int("count", len(tq.Running)).Msg("scheduler: clearing interrupted running jobs on restart")
		}
		tq.Running = nil
		existing, ok := s.db.Types[jobType]
		if !ok {
			s.db.Types[jobType] = tq
		} else {
			existing.Waiting = tq.Waiting
			existing.Ready = tq.Ready
			existing.Retryable = tq.Retryable
		}
	}
	s.loaded = true
	return nil
}

// migrate bumps an older persisted shape forward. There is exactly one
// shape so far; this hook exists for the next one.
func (s *Scheduler) migrate(db *persistedDB) {
	if s.logger != nil {
		s.logger.Info().Int("from", db.DBVersion).Int("to", currentDBVersion).Msg("scheduler: migrating persisted queue")
	}
	db.DBVersion = currentDBVersion
}

func purgeCorruptOrFuture(entries []*JobEntry, now int64, logger arbor.ILogger) []*JobEntry {
	out := entries[:0]
	for _, e := range entries {
		if e == nil || e.Job.Type == "" {
			continue
		}
		if e.Meta.CreatedAt > now+oneDayMs {
			if logger != nil {
				logger.Warn().Str("type", e.Job.Type).Msg("scheduler: purging job with future createdAt")
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	buf, err := json.Marshal(s.db)
	if err != nil {
		return fmt.Errorf("scheduler: marshal: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey, string(buf), "job scheduler queue state"); err != nil {
		return fmt.Errorf("scheduler: persist: %w", err)
	}
	s.notifyLocked(EventSyncedToDisk, "", nil)
	return nil
}

func (s *Scheduler) globalTotalLocked() int {
	total := 0
	for _, tq := range s.db.Types {
		total += tq.total()
	}
	return total
}

func (s *Scheduler) runningCountLocked() int {
	total := 0
	for _, tq := range s.db.Types {
		total += len(tq.Running)
	}
	return total
}

// freeSlotLocked tries to expire a stale head-of-queue job for tq, falling
// back to evicting the oldest retryable entry (spec.md §4.4 "Admission").
func (s *Scheduler) freeSlotLocked(ctx context.Context, jobType string, tq *typeQueues, now int64) bool {
	if head, ok := headIfExpired(tq.Waiting, now); ok {
		tq.Waiting = tq.Waiting[1:]
		s.notifyLocked(EventJobExpired, jobType, head)
		return true
	}
	if head, ok := headIfExpired(tq.Ready, now); ok {
		tq.Ready = tq.Ready[1:]
		s.notifyLocked(EventJobExpired, jobType, head)
		return true
	}
	if head, ok := headIfExpired(tq.Retryable, now); ok {
		tq.Retryable = tq.Retryable[1:]
		s.notifyLocked(EventJobExpired, jobType, head)
		return true
	}
	if len(tq.Retryable) > 0 {
		tq.Retryable = tq.Retryable[1:]
		return true
	}
	return false
}

func headIfExpired(entries []*JobEntry, now int64) (*JobEntry, bool) {
	if len(entries) == 0 {
		return nil, false
	}
	if entries[0].Meta.ExpireAt <= now {
		return entries[0], true
	}
	return nil, false
}

// RegisterJob admits job under opts. When the type's MaxJobsTotal is
// reached it first tries to free one slot of that type; it returns false
// (with ErrJobRejected) when the global job limit is reached (spec.md §4.4
// "Admission").
func (s *Scheduler) RegisterJob(ctx context.Context, job Job, opts RegisterOptions) (bool, error) {
	var accepted bool
	var regErr error
	err := s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			regErr = lerr
			return
		}
		now := s.nowMillis()
		accepted, regErr = s.registerLocked(ctx, now, job, opts)
		if regErr == nil {
			_ = s.persistLocked(ctx)
		}
	})
	if err != nil {
		return false, err
	}
	return accepted, regErr
}

func (s *Scheduler) registerLocked(ctx context.Context, now int64, job Job, opts RegisterOptions) (bool, error) {
	handler, ok := s.handlers[job.Type]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	tq := s.db.Types[job.Type]
	if tq == nil {
		tq = newTypeQueues()
		s.db.Types[job.Type] = tq
	}

	if handler.Config.MaxJobsTotal > 0 && tq.total() >= handler.Config.MaxJobsTotal {
		s.freeSlotLocked(ctx, job.Type, tq, now)
	}
	if s.globalTotalLocked() >= s.globalJobLimit {
		s.notifyLocked(EventJobRejected, job.Type, job)
		return false, ErrJobRejected
	}

	readyAt := now
	switch {
	case opts.ReadyAt != nil:
		readyAt = *opts.ReadyAt
	case opts.ReadyIn != nil:
		window := opts.ReadyIn
		span := window.MaxMs - window.MinMs
		offset := window.MinMs
		if span > 0 {
			offset += s.rng.Int63n(span + 1)
		}
		readyAt = now + offset
	}

	expireAt := int64(math.MaxInt64)
	switch {
	case opts.ExpireAt != nil:
		expireAt = *opts.ExpireAt
	case handler.Config.TTLInMs > 0:
		expireAt = now + handler.Config.TTLInMs
	}

	var attemptsLeft *int
	if handler.Config.MaxAutoRetriesAfterError > 0 {
		n := handler.Config.MaxAutoRetriesAfterError
		attemptsLeft = &n
	}

	entry := &JobEntry{
		Job: job,
		Meta: JobMeta{
			CreatedAt:    now,
			ReadyAt:      readyAt,
			ExpireAt:     expireAt,
			AttemptsLeft: attemptsLeft,
		},
	}
	if readyAt <= now {
		tq.Ready = append(tq.Ready, entry)
	} else {
		tq.Waiting = append(tq.Waiting, entry)
	}
	s.notifyLocked(EventJobRegistered, job.Type, entry)
	return true, nil
}

// promoteWaitingLocked moves ready-to-run entries from Waiting into Ready.
func (s *Scheduler) promoteWaitingLocked(tq *typeQueues, now int64) {
	var stillWaiting []*JobEntry
	for _, e := range tq.Waiting {
		if e.Meta.ReadyAt <= now {
			tq.Ready = append(tq.Ready, e)
		} else {
			stillWaiting = append(stillWaiting, e)
		}
	}
	tq.Waiting = stillWaiting
}

// purgeExpiredLocked drops any entry (in waiting/ready/retryable) whose
// expireAt has passed, firing jobExpired for each.
func (s *Scheduler) purgeExpiredLocked(now int64) {
	for jobType, tq := range s.db.Types {
		tq.Waiting = s.filterExpiredLocked(jobType, tq.Waiting, now)
		tq.Ready = s.filterExpiredLocked(jobType, tq.Ready, now)
		tq.Retryable = s.filterExpiredLocked(jobType, tq.Retryable, now)
	}
}

func (s *Scheduler) filterExpiredLocked(jobType string, entries []*JobEntry, now int64) []*JobEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Meta.ExpireAt <= now {
			s.notifyLocked(EventJobExpired, jobType, e)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) inCooldownLocked(jobType string, now int64) bool {
	until, ok := s.cooldownUntil[jobType]
	return ok && now < until
}

// rotateTypesOrderLocked applies the round-robin fairness rule
// `types.unshift(types.pop())` from spec.md §4.4.
func (s *Scheduler) rotateTypesOrderLocked() {
	n := len(s.typesOrder)
	if n < 2 {
		return
	}
	last := s.typesOrder[n-1]
	rotated := make([]string, 0, n)
	rotated = append(rotated, last)
	rotated = append(rotated, s.typesOrder[:n-1]...)
	s.typesOrder = rotated
}

// pickFromLocked runs the priority-then-p(j) selection rule of spec.md
// §4.4 over whichever per-type slice queueOf returns, removing and
// returning the winner. It is used both for the primary Ready queues and,
// as a fallback, for Retryable queues (see pickLocked).
func (s *Scheduler) pickFromLocked(now int64, queueOf func(*typeQueues) *[]*JobEntry) (string, *JobEntry) {
	bestPriority := math.MinInt64
	haveAny := false
	for _, t := range s.typesOrder {
		tq := s.db.Types[t]
		if tq == nil || s.inCooldownLocked(t, now) {
			continue
		}
		if q := queueOf(tq); len(*q) == 0 {
			continue
		}
		haveAny = true
		if s.handlers[t].Config.Priority > bestPriority {
			bestPriority = s.handlers[t].Config.Priority
		}
	}
	if !haveAny {
		return "", nil
	}

	for _, t := range s.typesOrder {
		tq := s.db.Types[t]
		if tq == nil || s.inCooldownLocked(t, now) {
			continue
		}
		q := queueOf(tq)
		if len(*q) == 0 || s.handlers[t].Config.Priority != bestPriority {
			continue
		}
		idx := 0
		best := int64(math.MaxInt64)
		for i, e := range *q {
			p := e.priorityOf()
			if p < best {
				best = p
				idx = i
			}
		}
		entry := (*q)[idx]
		*q = append((*q)[:idx], (*q)[idx+1:]...)
		return t, entry
	}
	return "", nil
}

// pickLocked selects the next entry to run, or (nil, "") if nothing is
// ready (spec.md §4.4 "Priority"). Ready entries take precedence; when
// none are eligible, a retryable entry is reconsidered as a direct retry
// of the failing job itself — otherwise a lone failing job with no sibling
// of the same type would never get the re-run spec.md §8 scenario 2
// requires, since promoteOneRetryableLocked only fires on a *different*
// job of the same type succeeding first.
func (s *Scheduler) pickLocked(now int64) (string, *JobEntry) {
	if s.runningCountLocked() > 0 {
		return "", nil
	}
	for _, tq := range s.db.Types {
		s.promoteWaitingLocked(tq, now)
	}

	if t, e := s.pickFromLocked(now, func(tq *typeQueues) *[]*JobEntry { return &tq.Ready }); e != nil {
		return t, e
	}
	return s.pickFromLocked(now, func(tq *typeQueues) *[]*JobEntry { return &tq.Retryable })
}

// promoteOneRetryableLocked promotes the oldest retryable entry of
// jobType back to ready, once any job of that type completes
// successfully (spec.md §4.4).
func (s *Scheduler) promoteOneRetryableLocked(jobType string) {
	tq := s.db.Types[jobType]
	if tq == nil || len(tq.Retryable) == 0 {
		return
	}
	entry := tq.Retryable[0]
	tq.Retryable = tq.Retryable[1:]
	tq.Ready = append(tq.Ready, entry)
}

func removeFromRunning(tq *typeQueues, entry *JobEntry) {
	for i, e := range tq.Running {
		if e == entry {
			tq.Running = append(tq.Running[:i], tq.Running[i+1:]...)
			return
		}
	}
}

// runOnce picks one ready job (if any), runs its handler, and records the
// outcome. It returns ran=false when nothing was ready to run.
func (s *Scheduler) runOnce(ctx context.Context) (ran bool, err error) {
	var jobType string
	var entry *JobEntry
	runErr := s.writer.Run(ctx, func() {
		if lerr := s.load(ctx); lerr != nil {
			err = lerr
			return
		}
		now := s.nowMillis()
		s.purgeExpiredLocked(now)
		jobType, entry = s.pickLocked(now)
		if entry == nil {
			return
		}
		tq := s.db.Types[jobType]
		tq.Running = append(tq.Running, entry)
		s.rotateTypesOrderLocked()
		s.notifyLocked(EventJobStarted, jobType, entry)
		_ = s.persistLocked(ctx)
	})
	if runErr != nil {
		return false, runErr
	}
	if err != nil || entry == nil {
		return false, err
	}

	handler := s.handlers[jobType]
	newJobs, handlerErr := handler.Fn(ctx, entry.Job)

	finErr := s.writer.Run(ctx, func() {
		now := s.nowMillis()
		tq := s.db.Types[jobType]
		removeFromRunning(tq, entry)
		s.cooldownUntil[jobType] = now + handler.Config.CooldownInMs

		if handlerErr == nil {
			s.notifyLocked(EventJobSucceeded, jobType, entry)
			s.promoteOneRetryableLocked(jobType)
			for _, nj := range newJobs {
				if _, rerr := s.registerLocked(ctx, now, nj, RegisterOptions{}); rerr != nil && s.logger != nil {
					s.logger.Warn().Str("type", nj.Type).Err(rerr).Msg("scheduler: failed registering follow-on job")
				}
			}
		} else {
			attemptsLeft := 0
			if entry.Meta.AttemptsLeft != nil {
				attemptsLeft = *entry.Meta.AttemptsLeft
			}
			if attemptsLeft > 0 && isRecoverable(handlerErr) {
				n := attemptsLeft - 1
				entry.Meta.AttemptsLeft = &n
				tq.Retryable = append(tq.Retryable, entry)
				s.notifyLocked(EventJobFailed, jobType, JobFailedPayload{PendingRetry: true, Exception: handlerErr.Error()})
			} else {
				s.notifyLocked(EventJobFailed, jobType, JobFailedPayload{PendingRetry: false, Exception: handlerErr.Error()})
			}
		}
		_ = s.persistLocked(ctx)
	})
	if finErr != nil {
		return true, finErr
	}
	return true, nil
}

// ProcessPendingJobs repeatedly runs the next ready job until either
// maxJobsToRun have run or nothing is ready (spec.md §4.4 "Loop"). When
// autoResumeAfterCooldowns is set and nothing ran because types are
// cooling down, a re-check is scheduled for the earliest cooldown expiry.
func (s *Scheduler) ProcessPendingJobs(ctx context.Context, maxJobsToRun int, autoResumeAfterCooldowns bool) error {
	ran := 0
	for maxJobsToRun <= 0 || ran < maxJobsToRun {
		didRun, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if !didRun {
			break
		}
		ran++
	}
	if autoResumeAfterCooldowns {
		s.scheduleCooldownRecheck(ctx, maxJobsToRun, autoResumeAfterCooldowns)
	}
	return nil
}

func (s *Scheduler) scheduleCooldownRecheck(ctx context.Context, maxJobsToRun int, autoResumeAfterCooldowns bool) {
	now := s.nowMillis()
	minWait := int64(-1)
	s.runLocked(func() {
		for jobType, tq := range s.db.Types {
			if tq == nil || len(tq.Ready) == 0 {
				continue
			}
			until, cooling := s.cooldownUntil[jobType]
			if !cooling || until <= now {
				continue
			}
			wait := until - now
			if minWait < 0 || wait < minWait {
				minWait = wait
			}
		}
	})
	if minWait < 0 {
		return
	}
	time.AfterFunc(time.Duration(minWait)*time.Millisecond, func() {
		_ = s.ProcessPendingJobs(ctx, maxJobsToRun, autoResumeAfterCooldowns)
	})
}

// SelfChecks reports queue-invariant violations (spec.md §3 invariants).
func (s *Scheduler) SelfChecks() []string {
	var problems []string
	s.runLocked(func() {
		if s.runningCountLocked() > 1 {
			problems = append(problems, "more than one job is running globally")
		}
		for jobType, tq := range s.db.Types {
			all := make([]*JobEntry, 0, tq.total())
			all = append(all, tq.Waiting...)
			all = append(all, tq.Ready...)
			all = append(all, tq.Running...)
			all = append(all, tq.Retryable...)
			for _, e := range all {
				if e.Meta.CreatedAt > e.Meta.ReadyAt {
					problems = append(problems, fmt.Sprintf("type %s: createdAt > readyAt", jobType))
				}
			}
		}
	})
	return problems
}
