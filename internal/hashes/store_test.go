package hashes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
)

func TestStore_AddHasDelete(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(time.Unix(0, 0))
	s := NewStore(kv, clock, nil)
	defer s.Close()

	inserted, err := s.Add(ctx, 42, 1000)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Add(ctx, 42, 2000)
	require.NoError(t, err)
	assert.False(t, inserted, "re-adding an existing hash is not a new insertion")

	present, err := s.Has(ctx, 42)
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, s.Delete(ctx, 42))
	present, err = s.Has(ctx, 42)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(time.Unix(0, 0))
	s := NewStore(kv, clock, nil)
	defer s.Close()

	_, err := s.Add(ctx, 1, 500) // expires at t=500
	require.NoError(t, err)
	_, err = s.Add(ctx, 2, 5000) // still alive at t=1000
	require.NoError(t, err)

	removed, err := s.Sweep(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	present, _ := s.Has(ctx, 1)
	assert.False(t, present)
	present, _ = s.Has(ctx, 2)
	assert.True(t, present)
}

func TestStore_SweepClockJump(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(time.Unix(0, 0))
	s := NewStore(kv, clock, nil)
	defer s.Close()

	// expireAt far beyond now+1day is only reachable via a clock jump and
	// must be swept defensively.
	_, err := s.Add(ctx, 7, oneDayMs*10)
	require.NoError(t, err)

	removed, err := s.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()
	clock := testkit.NewClock(time.Unix(0, 0))

	s1 := NewStore(kv, clock, nil)
	_, err := s1.Add(ctx, 99, 10_000)
	require.NoError(t, err)
	s1.Close()

	s2 := NewStore(kv, clock, nil)
	defer s2.Close()
	present, err := s2.Has(ctx, 99)
	require.NoError(t, err)
	assert.True(t, present)
}
