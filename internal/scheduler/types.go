package scheduler

import (
	"context"
	"encoding/json"
)

// Job is the unit of work described in spec.md §3.
type Job struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// JobConfig is a fully resolved, per-type handler configuration. Every
// field but Priority must be >= 0 (spec.md §3).
type JobConfig struct {
	Priority                 int   `json:"priority"`
	TTLInMs                  int64 `json:"ttlInMs" validate:"gte=0"`
	MaxJobsTotal             int   `json:"maxJobsTotal" validate:"gte=0"`
	CooldownInMs             int64 `json:"cooldownInMs" validate:"gte=0"`
	MaxAutoRetriesAfterError int   `json:"maxAutoRetriesAfterError" validate:"gte=0"`
}

// ReadyWindow expresses a random readyAt offset, per spec.md §3's
// "readyIn:{min,max}".
type ReadyWindow struct {
	MinMs int64
	MaxMs int64
}

// RegisterOptions carries the per-job overrides spec.md §3 allows on top
// of the type's JobConfig.
type RegisterOptions struct {
	ReadyAt  *int64
	ExpireAt *int64
	ReadyIn  *ReadyWindow
}

// JobMeta is the bookkeeping envelope around a Job (spec.md §3).
type JobMeta struct {
	CreatedAt    int64 `json:"createdAt"`
	ReadyAt      int64 `json:"readyAt"`
	ExpireAt     int64 `json:"expireAt"`
	AttemptsLeft *int  `json:"attemptsLeft,omitempty"`
}

// JobEntry is a Job living in one of a type's four queues.
type JobEntry struct {
	Job  Job     `json:"job"`
	Meta JobMeta `json:"meta"`
}

// priorityOf is the selection key p(j) = max(createdAt, readyAt), per
// spec.md §4.4.
func (e *JobEntry) priorityOf() int64 {
	if e.Meta.CreatedAt > e.Meta.ReadyAt {
		return e.Meta.CreatedAt
	}
	return e.Meta.ReadyAt
}

// typeQueues holds the four state queues for one job type.
type typeQueues struct {
	Waiting   []*JobEntry `json:"waiting"`
	Ready     []*JobEntry `json:"ready"`
	Running   []*JobEntry `json:"running"`
	Retryable []*JobEntry `json:"retryable"`
}

func newTypeQueues() *typeQueues {
	return &typeQueues{}
}

func (tq *typeQueues) total() int {
	return len(tq.Waiting) + len(tq.Ready) + len(tq.Running) + len(tq.Retryable)
}

// currentDBVersion is bumped whenever the persisted shape changes; load()
// runs migrate() when a stored dbVersion is older.
const currentDBVersion = 1

type persistedDB struct {
	DBVersion int                    `json:"dbVersion"`
	Types     map[string]*typeQueues `json:"types"`
}

// HandlerFunc executes one job and optionally returns follow-on jobs to
// register (spec.md §4.4 "handler's returned new jobs are registered").
type HandlerFunc func(ctx context.Context, job Job) ([]Job, error)

type registeredHandler struct {
	Config JobConfig
	Fn     HandlerFunc
}

// ObserverEvent enumerates the scheduler lifecycle notifications from
// spec.md §4.4.
type ObserverEvent string

const (
	EventJobRegistered ObserverEvent = "jobRegistered"
	EventJobStarted    ObserverEvent = "jobStarted"
	EventJobSucceeded  ObserverEvent = "jobSucceeded"
	EventJobFailed     ObserverEvent = "jobFailed"
	EventJobExpired    ObserverEvent = "jobExpired"
	EventJobRejected   ObserverEvent = "jobRejected"
	EventSyncedToDisk  ObserverEvent = "syncedToDisk"
)

// ObserverFunc receives scheduler lifecycle notifications. jobType is ""
// for events with no associated type (e.g. syncedToDisk).
type ObserverFunc func(event ObserverEvent, jobType string, payload interface{})

// JobFailedPayload is the payload passed to observers on EventJobFailed.
type JobFailedPayload struct {
	PendingRetry bool
	Exception    string
}
