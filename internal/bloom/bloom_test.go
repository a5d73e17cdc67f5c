package bloom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whotracksme/wtm-reporting/internal/interfaces/testkit"
)

func TestFilter_AddAndMightContain(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()

	f, err := NewFilter(Config{
		Name:             "test",
		Version:          1,
		Partitions:       []int{7, 11, 13},
		MaxGenerations:   2,
		RotationInterval: 100,
		ShardBits:        64,
	}, kv, nil, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Ready(ctx, 0))
	require.NoError(t, f.Add(ctx, "x"))

	found, err := f.MightContain(ctx, "x", MightContainOptions{})
	require.NoError(t, err)
	assert.True(t, found)

	found, err = f.MightContain(ctx, "y", MightContainOptions{})
	require.NoError(t, err)
	assert.False(t, found)
}

// TestFilter_Rotation covers the rotation scenario: once a generation is
// older than maxGenerations*rotationIntervalInMs, Ready drops it and its
// values are no longer found.
func TestFilter_Rotation(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()

	f, err := NewFilter(Config{
		Name:             "rot",
		Version:          1,
		Partitions:       []int{7, 11, 13},
		MaxGenerations:   2,
		RotationInterval: 100,
		ShardBits:        64,
	}, kv, nil, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Ready(ctx, 0))
	require.NoError(t, f.Add(ctx, "x"))

	found, err := f.MightContain(ctx, "x", MightContainOptions{})
	require.NoError(t, err)
	assert.True(t, found, "x should be present in the first generation")

	// Advance well past two rotation intervals so only the freshest
	// generation is retained and the original one is gone.
	require.NoError(t, f.Ready(ctx, 250))
	assert.LessOrEqual(t, f.GenerationCount(), 2)

	// Jump far enough that even maxGenerations*rotationInterval has
	// elapsed since the original generation holding "x".
	require.NoError(t, f.Ready(ctx, 500))

	found, err = f.MightContain(ctx, "x", MightContainOptions{})
	require.NoError(t, err)
	assert.False(t, found, "x should have rotated out")
}

func TestFilter_NoRotationMode(t *testing.T) {
	ctx := context.Background()
	kv := testkit.NewKVStore()

	f, err := NewFilter(Config{
		Name:             "norot",
		Version:          1,
		Partitions:       []int{7, 11, 13},
		MaxGenerations:   1,
		RotationInterval: 0,
		ShardBits:        64,
	}, kv, nil, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Ready(ctx, 0))
	require.NoError(t, f.Add(ctx, "x"))
	require.Equal(t, 1, f.GenerationCount())

	// Ready again much later: with rotationInterval == 0 no new
	// generation should ever be appended, and the existing value must
	// still be found.
	require.NoError(t, f.Ready(ctx, int64(time.Hour/time.Millisecond)))
	assert.Equal(t, 1, f.GenerationCount())

	found, err := f.MightContain(ctx, "x", MightContainOptions{})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFilter_RejectsBadConfig(t *testing.T) {
	kv := testkit.NewKVStore()

	_, err := NewFilter(Config{Name: "bad|name", Partitions: []int{7}}, kv, nil, nil)
	assert.ErrorIs(t, err, ErrBFConfig)

	_, err = NewFilter(Config{Name: "ok", Partitions: nil}, kv, nil, nil)
	assert.ErrorIs(t, err, ErrBFConfig)

	_, err = NewFilter(Config{Name: "ok", Partitions: []int{0}}, kv, nil, nil)
	assert.ErrorIs(t, err, ErrBFConfig)
}

func TestOffsets_Deterministic(t *testing.T) {
	partitions := []int{7, 11, 13}
	a := offsets(partitions, "hello")
	b := offsets(partitions, "hello")
	assert.Equal(t, a, b)

	// Each offset must fall within its own partition's slice of the
	// address space.
	base := 0
	for i, size := range partitions {
		assert.GreaterOrEqual(t, a[i], base)
		assert.Less(t, a[i], base+size)
		base += size
	}
}
