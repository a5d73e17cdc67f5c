package reporting

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
	"github.com/whotracksme/wtm-reporting/internal/pagedb"
	"github.com/whotracksme/wtm-reporting/internal/scheduler"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *testkit.Communication, *testkit.Doublefetcher, *testkit.Quorum) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Bloom.Partitions = []int{7, 11, 13}
	cfg.Reporting.TickIntervalMs = 50

	comms := &testkit.Communication{}
	fetcher := testkit.NewDoublefetcher()
	quorumFake := testkit.NewQuorum()
	quorumFake.ConsentResult = true

	rulesetDoc := json.RawMessage(`{
		"page-visit": {
			"input": {"title": {"path": "html", "transform": [["cssText", "h1"]]}},
			"output": {"title": {"path": "title"}}
		}
	}`)

	deps := Deps{
		KV:             testkit.NewKVStore(),
		Clock:          testkit.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		SessionBackend: testkit.NewSessionStore(),
		Quorum:         quorumFake,
		Transport:      comms,
		Doublefetcher:  fetcher,
		Patterns:       &testkit.StaticPatterns{Raw: rulesetDoc},
	}

	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o, comms, fetcher, quorumFake
}

func TestInitUnloadLifecycle(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	assert.True(t, o.active.Load())
	require.NoError(t, o.Unload(ctx))
	assert.False(t, o.active.Load())
}

func TestObserveIgnoresNonSafeEvents(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	defer o.Unload(ctx)

	err := o.Observe(ctx, interfaces.PageEvent{Type: interfaces.PageEventPageUpdated})
	require.NoError(t, err)
	assert.Equal(t, 0, o.pageDB.Len(ctx))
}

func TestObserveAdmitsSafeNavigation(t *testing.T) {
	o, _, fetcher, quorumFake := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	defer o.Unload(ctx)

	fetcher.Responses["https://example.com/a"] = interfaces.DoublefetchResult{
		URL: "https://example.com/a", StatusCode: 200,
		Body: `<html><body><h1>Hello</h1></body></html>`,
	}

	openPages, err := json.Marshal([]map[string]interface{}{
		{"url": "https://example.com/a", "status": "complete", "lastUpdatedAt": 0},
	})
	require.NoError(t, err)

	err = o.Observe(ctx, interfaces.PageEvent{
		Type:       interfaces.PageEventSafeNavigation,
		OpenPages:  openPages,
		ActivePage: "https://example.com/a",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, o.pageDB.Len(ctx))

	_ = quorumFake
}

func TestHandleDoublefetchPageDropsUnknownMsgType(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Bloom.Partitions = []int{7, 11, 13}
	deps := Deps{
		KV:             testkit.NewKVStore(),
		Clock:          testkit.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		SessionBackend: testkit.NewSessionStore(),
		Quorum:         testkit.NewQuorum(),
		Doublefetcher:  testkit.NewDoublefetcher(),
		Patterns:       &testkit.StaticPatterns{Raw: json.RawMessage(`{}`)},
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	defer o.Unload(ctx)

	page := map[string]interface{}{"url": "https://no-such-msg-type.invalid/search?x=1"}
	args, err := json.Marshal(page)
	require.NoError(t, err)

	jobs, err := o.handleDoublefetchPage(ctx, scheduler.Job{Type: jobTypeDoublefetchPage, Args: args})
	require.NoError(t, err)
	assert.Nil(t, jobs)
}

// TestPipelineDoublefetchThroughSendMessage exercises
// doublefetch-page -> page-quorum-check -> send-message end to end,
// matching spec.md §2's control-flow narrative.
func TestPipelineDoublefetchThroughSendMessage(t *testing.T) {
	o, comms, fetcher, quorumFake := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	defer o.Unload(ctx)

	fetcher.Responses["https://example.com/a"] = interfaces.DoublefetchResult{
		URL: "https://example.com/a", StatusCode: 200,
		Body: `<html><body><h1>Page Heading</h1></body></html>`,
	}

	page := pagedb.PageEntry{URL: "https://example.com/a", Status: "complete"}
	args, err := json.Marshal(page)
	require.NoError(t, err)

	jobs, err := o.handleDoublefetchPage(ctx, scheduler.Job{Type: jobTypeDoublefetchPage, Args: args})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobTypePageQuorumCheck, jobs[0].Type)

	jobs, err = o.handlePageQuorumCheck(ctx, jobs[0])
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobTypeSendMessage, jobs[0].Type)
	assert.Equal(t, 1, quorumFake.ConsentCalls["page-visit"])

	jobs, err = o.handleSendMessage(ctx, jobs[0])
	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.Len(t, comms.Sent, 1)
	assert.Contains(t, string(comms.Sent[0]), "Page Heading")
}
