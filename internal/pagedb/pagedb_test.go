package pagedb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/bloom"
	"github.com/whotracksme/wtm-reporting/internal/hashes"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
)

var epochBase = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newApprover(t *testing.T, clock *testkit.Clock) (*Approver, *testkit.KVStore) {
	t.Helper()
	kv := testkit.NewKVStore()
	filter, err := bloom.NewFilter(bloom.Config{
		Name: "private-pages", Version: 1, Partitions: []int{7, 11, 13},
		MaxGenerations: 2, RotationInterval: int64(14 * 24 * time.Hour / time.Millisecond), ShardBits: 64,
	}, kv, clock, nil)
	require.NoError(t, err)
	require.NoError(t, filter.Ready(context.Background(), clock.Now().UnixMilli()))
	hashStore := hashes.NewStore(kv, clock, nil)
	return NewPageApprover(filter, hashStore, nil), kv
}

func TestUpdatePagesAdmitsNewPage(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock(epochBase)
	approver, kv := newApprover(t, clock)
	db := NewPageDB(kv, clock, approver, nil)
	defer db.Close()
	defer approver.Close()

	err := db.UpdatePages(ctx, []PageEntry{
		{URL: "https://example.com/a", Status: "loading", LastUpdatedAt: clock.Now().UnixMilli()},
	}, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, 1, db.Len(ctx))
	assert.Empty(t, db.SelfChecks(ctx))
}

func TestUpdatePagesRejectsRepeatWithinCooldown(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock(epochBase)
	approver, kv := newApprover(t, clock)
	db := NewPageDB(kv, clock, approver, nil)
	defer db.Close()
	defer approver.Close()

	url := "https://example.com/a"
	require.NoError(t, db.UpdatePages(ctx, []PageEntry{{URL: url, Status: "complete", LastUpdatedAt: clock.Now().UnixMilli()}}, url))
	require.Equal(t, 1, db.Len(ctx))

	// Consume the page so it is no longer "already tracked", then
	// immediately try to re-admit it: the dedup-hash cooldown recorded by
	// AllowCreation on first admission must still block it.
	_, err := db.AcquireExpiredPages(ctx, AcquireOptions{ForceExpiration: true, MaxEntriesToCheck: 10})
	require.NoError(t, err)
	require.Equal(t, 0, db.Len(ctx))

	require.NoError(t, db.UpdatePages(ctx, []PageEntry{{URL: url, Status: "loading", LastUpdatedAt: clock.Now().UnixMilli()}}, url))
	assert.Equal(t, 0, db.Len(ctx), "re-navigation within dedup cooldown must be rejected")
}

func TestAcquireExpiredPagesPromotesCompletePage(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock(epochBase)
	approver, kv := newApprover(t, clock)
	db := NewPageDB(kv, clock, approver, nil)
	defer db.Close()
	defer approver.Close()

	url := "https://example.com/article"
	require.NoError(t, db.UpdatePages(ctx, []PageEntry{
		{URL: url, Status: "complete", PreDoublefetch: json.RawMessage(`{"title":"x"}`), LastUpdatedAt: clock.Now().UnixMilli()},
	}, url))

	promoted, err := db.AcquireExpiredPages(ctx, AcquireOptions{MinPageCooldownInMs: int64(10 * time.Second / time.Millisecond), MaxEntriesToCheck: 10})
	require.NoError(t, err)
	assert.Empty(t, promoted, "page should not be expired yet")

	clock.Advance(11 * time.Second)
	promoted, err = db.AcquireExpiredPages(ctx, AcquireOptions{MinPageCooldownInMs: int64(10 * time.Second / time.Millisecond), MaxEntriesToCheck: 10})
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, url, promoted[0].URL)
	assert.Equal(t, 0, db.Len(ctx))
}

func TestAcquireExpiredPagesMarksNoIndexPrivate(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock(epochBase)
	approver, kv := newApprover(t, clock)
	db := NewPageDB(kv, clock, approver, nil)
	defer db.Close()
	defer approver.Close()

	url := "https://example.com/private"
	require.NoError(t, db.UpdatePages(ctx, []PageEntry{
		{URL: url, Status: "complete", NoIndex: true, PreDoublefetch: json.RawMessage(`{}`), LastUpdatedAt: clock.Now().UnixMilli()},
	}, url))

	promoted, err := db.AcquireExpiredPages(ctx, AcquireOptions{ForceExpiration: true, MaxEntriesToCheck: 10})
	require.NoError(t, err)
	assert.Empty(t, promoted, "noindex pages must never be promoted")

	private, err := approver.bloom.MightContain(ctx, url, bloom.MightContainOptions{})
	require.NoError(t, err)
	assert.True(t, private, "noindex page must be marked private in the bloom filter")
}
