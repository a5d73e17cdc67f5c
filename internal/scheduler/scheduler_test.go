package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
)

var epochBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestCooldownDefersSecondJob covers spec.md §8 scenario 1: a handler with
// a 1000ms cooldown runs a1 at t=0; a2 is not picked at t=500 but runs once
// the cooldown has elapsed.
func TestCooldownDefersSecondJob(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(epochBase)
	sched := NewScheduler(kv, clock, nil, 100)
	defer sched.Close()

	var ran []string
	require.NoError(t, sched.RegisterHandler("A", JobConfig{Priority: 0, CooldownInMs: 1000, TTLInMs: 10000}, func(ctx context.Context, job Job) ([]Job, error) {
		ran = append(ran, string(job.Args))
		return nil, nil
	}))

	ok, err := sched.RegisterJob(ctx, Job{Type: "A", Args: []byte(`"a1"`)}, RegisterOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = sched.RegisterJob(ctx, Job{Type: "A", Args: []byte(`"a2"`)}, RegisterOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sched.ProcessPendingJobs(ctx, 0, false))
	assert.Equal(t, []string{`"a1"`}, ran)

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, sched.ProcessPendingJobs(ctx, 0, false))
	assert.Equal(t, []string{`"a1"`}, ran, "a2 must stay on cooldown at t=500")

	clock.Advance(501 * time.Millisecond) // now at t=1001
	require.NoError(t, sched.ProcessPendingJobs(ctx, 0, false))
	assert.Equal(t, []string{`"a1"`, `"a2"`}, ran)
}

// TestRetryablePromotionSequence covers spec.md §8 scenario 2: a handler
// fails twice with a recoverable error then succeeds. The job executes 3
// times total; observers see Started/Failed(pendingRetry=true) twice, then
// Started/Succeeded. A lone failing job with no sibling of the same type
// is reconsidered directly out of the retryable queue within the same
// ProcessPendingJobs call (see pickLocked's doc comment for why).
func TestRetryablePromotionSequence(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(epochBase)
	sched := NewScheduler(kv, clock, nil, 100)
	defer sched.Close()

	attempt := 0
	require.NoError(t, sched.RegisterHandler("B", JobConfig{Priority: 0, MaxAutoRetriesAfterError: 3}, func(ctx context.Context, job Job) ([]Job, error) {
		attempt++
		if attempt <= 2 {
			return nil, &recoverableError{}
		}
		return nil, nil
	}))

	var events []string
	sched.Observe(func(event ObserverEvent, jobType string, payload interface{}) {
		switch event {
		case EventJobStarted:
			events = append(events, "Started")
		case EventJobSucceeded:
			events = append(events, "Succeeded")
		case EventJobFailed:
			p := payload.(JobFailedPayload)
			if p.PendingRetry {
				events = append(events, "Failed(pendingRetry=true)")
			} else {
				events = append(events, "Failed(pendingRetry=false)")
			}
		}
	})

	ok, err := sched.RegisterJob(ctx, Job{Type: "B"}, RegisterOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		require.NoError(t, sched.ProcessPendingJobs(ctx, 0, false))
	}

	assert.Equal(t, 3, attempt)
	require.Len(t, events, 6)
	assert.Equal(t, []string{
		"Started", "Failed(pendingRetry=true)",
		"Started", "Failed(pendingRetry=true)",
		"Started", "Succeeded",
	}, events)
}

type recoverableError struct{}

func (e *recoverableError) Error() string           { return "transient failure" }
func (e *recoverableError) IsRecoverableError() bool { return true }
