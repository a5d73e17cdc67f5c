package badger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	dir, err := os.MkdirTemp("", "wtm-badger-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKVStorageRoundTrip(t *testing.T) {
	db := newTestDB(t)
	kv := NewKVStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "Foo", "bar", "first write"))

	val, err := kv.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", val)

	require.NoError(t, kv.Set(ctx, "foo", "baz", "second write"))
	val, err = kv.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "baz", val)

	require.NoError(t, kv.Delete(ctx, "foo"))
	_, err = kv.Get(ctx, "foo")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestKVStorageListByPrefix(t *testing.T) {
	db := newTestDB(t)
	kv := NewKVStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "bf|pages|v1|100|0", "a", ""))
	require.NoError(t, kv.Set(ctx, "bf|pages|v1|100|1", "b", ""))
	require.NoError(t, kv.Set(ctx, "bf|other|v1|100|0", "c", ""))

	pairs, err := kv.ListByPrefix(ctx, "bf|pages")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.Contains(t, []string{"a", "b"}, p.Value)
	}
}

func TestSessionStoragePrefixScan(t *testing.T) {
	db := newTestDB(t)
	session := NewSessionStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, session.SessionSet(ctx, map[string]string{
		"quorum::a": "1", "quorum::b": "2", "other::c": "3",
	}))

	got, err := session.SessionGet(ctx, "quorum::")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"quorum::a": "1", "quorum::b": "2"}, got)

	require.NoError(t, session.SessionRemove(ctx, []string{"quorum::a"}))
	got, err = session.SessionGet(ctx, "quorum::")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"quorum::b": "2"}, got)
}

func TestManagerWiresBothContracts(t *testing.T) {
	dir, err := os.MkdirTemp("", "wtm-badger-manager-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	mgr, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	require.NotNil(t, mgr.KeyValueStorage())
	require.NotNil(t, mgr.SessionStorage())
}
