package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
)

func TestWrapper_SetFlushesToBackend(t *testing.T) {
	ctx := context.Background()
	backend := testkit.NewSessionStore()
	w := NewWrapper("core", 1, backend, nil)
	defer w.Close()

	w.Set("foo", "bar")
	require.Eventually(t, func() bool {
		v, err := backend.SessionGet(ctx, "core::v1::")
		require.NoError(t, err)
		return v["core::v1::foo"] == "bar"
	}, time.Second, 5*time.Millisecond)
}

func TestWrapper_RemoveFlushesToBackend(t *testing.T) {
	ctx := context.Background()
	backend := testkit.NewSessionStore()
	w := NewWrapper("core", 1, backend, nil)
	defer w.Close()

	w.Set("foo", "bar")
	require.NoError(t, w.Flush(ctx))

	w.Remove("foo")
	require.NoError(t, w.Flush(ctx))

	values, err := backend.SessionGet(ctx, "core::v1::")
	require.NoError(t, err)
	_, present := values["core::v1::foo"]
	assert.False(t, present)
}

func TestWrapper_FailedFlushForcesResync(t *testing.T) {
	ctx := context.Background()
	backend := testkit.NewSessionStore()
	w := NewWrapper("core", 1, backend, nil)
	defer w.Close()

	w.Set("foo", "bar")
	backend.Unavailable = true
	require.NoError(t, w.Flush(ctx)) // flush itself doesn't error, it just re-arms

	problems := w.SelfChecks()
	assert.Empty(t, problems, "a pending resync with a scheduled timer is healthy")

	backend.Unavailable = false
	require.Eventually(t, func() bool {
		v, err := backend.SessionGet(ctx, "core::v1::")
		require.NoError(t, err)
		return v["core::v1::foo"] == "bar"
	}, time.Second, 5*time.Millisecond)
}

func TestWrapper_SelfChecksDetectInconsistency(t *testing.T) {
	backend := testkit.NewSessionStore()
	w := NewWrapper("core", 1, backend, nil)
	defer w.Close()

	w.mu.Lock()
	w.cache["core::v1::foo"] = "bar"
	w.added["core::v1::foo"] = true
	w.removed["core::v1::foo"] = true
	w.mu.Unlock()

	problems := w.SelfChecks()
	assert.NotEmpty(t, problems)
}

func TestWrapper_Load(t *testing.T) {
	ctx := context.Background()
	backend := testkit.NewSessionStore()
	require.NoError(t, backend.SessionSet(ctx, map[string]string{"core::v1::foo": "bar"}))

	w := NewWrapper("core", 1, backend, nil)
	defer w.Close()
	require.NoError(t, w.Load(ctx))

	v, ok := w.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "bar", v)
}
