package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(stage string, sec int) Entry {
	return Entry{Stage: stage, Timestamp: t0.Add(time.Duration(sec) * time.Second), Payload: []byte(stage)}
}

func TestFork_RootAndChild(t *testing.T) {
	b := New("buffer")

	root, err := b.Fork(None, entry("A", 0))
	require.NoError(t, err)
	assert.Equal(t, VersionID(1), root)
	assert.Equal(t, 1, b.Refs(root))

	child, err := b.Fork(root, entry("B", 1))
	require.NoError(t, err)
	assert.Equal(t, VersionID(2), child)
	assert.Equal(t, 2, b.Refs(root), "root holds run ref plus child ref")
	assert.Equal(t, 1, b.Refs(child))
	assert.Equal(t, 2, b.Len())
}

func TestFork_UnknownParent(t *testing.T) {
	b := New("buffer")

	_, err := b.Fork(VersionID(7), entry("A", 0))
	assert.ErrorIs(t, err, ErrUnknownVersion)
	assert.Equal(t, 0, b.Len())
}

func TestMaterialize_RootFirst(t *testing.T) {
	b := New("buffer")
	v1, _ := b.Fork(None, entry("A", 0))
	v2, _ := b.Fork(v1, entry("B", 1))
	v3, _ := b.Fork(v2, entry("C", 2))

	got, err := b.Materialize(v3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Stage)
	assert.Equal(t, "B", got[1].Stage)
	assert.Equal(t, "C", got[2].Stage)

	_, err = b.Materialize(VersionID(99))
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestRelease_CascadesToSharedPrefix(t *testing.T) {
	b := New("buffer")
	root, _ := b.Fork(None, entry("A", 0))
	left, _ := b.Fork(root, entry("B", 1))
	right, _ := b.Fork(root, entry("B", 2))

	// The run that created root moves on; only children keep it alive.
	require.NoError(t, b.Release(root))
	assert.Equal(t, 2, b.Refs(root))

	require.NoError(t, b.Release(left))
	assert.False(t, b.Contains(left))
	assert.True(t, b.Contains(root))
	assert.Equal(t, 1, b.Refs(root))

	require.NoError(t, b.Release(right))
	assert.False(t, b.Contains(right))
	assert.False(t, b.Contains(root))
	assert.Equal(t, 0, b.Len())
}

func TestRelease_Reclaimed(t *testing.T) {
	b := New("buffer")
	v, _ := b.Fork(None, entry("A", 0))
	require.NoError(t, b.Release(v))

	err := b.Release(v)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	err = b.Release(None)
	assert.NoError(t, err, "releasing None is a no-op")
}

func TestRelease_Underflow(t *testing.T) {
	store := state.NewMemoryStore()
	batch := state.NewBatch()
	batch.Put("buffer", "1", []byte(`{"parent":0,"entry":{"stage":"A"},"refs":0}`))
	require.NoError(t, store.Write(batch))

	b, err := Load(store, "buffer")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Release(1), ErrRefcountUnderflow)
}

func TestAttach(t *testing.T) {
	b := New("buffer")
	v, _ := b.Fork(None, entry("A", 0))

	require.NoError(t, b.Attach(v))
	assert.Equal(t, 2, b.Refs(v))

	require.NoError(t, b.Release(v))
	assert.True(t, b.Contains(v))
	require.NoError(t, b.Release(v))
	assert.False(t, b.Contains(v))

	assert.ErrorIs(t, b.Attach(v), ErrUnknownVersion)
}

func TestFreeList_ReusesIDs(t *testing.T) {
	b := New("buffer")
	v1, _ := b.Fork(None, entry("A", 0))
	v2, _ := b.Fork(None, entry("A", 1))
	require.NoError(t, b.Release(v1))

	v3, err := b.Fork(None, entry("A", 2))
	require.NoError(t, err)
	assert.Equal(t, v1, v3, "freed id is reused")

	v4, _ := b.Fork(v2, entry("B", 3))
	assert.Equal(t, VersionID(3), v4)
}

func TestFlush_And_Load(t *testing.T) {
	store := state.NewMemoryStore()
	b := New("buffer")

	v1, _ := b.Fork(None, entry("A", 0))
	v2, _ := b.Fork(v1, entry("B", 1))
	v3, _ := b.Fork(None, entry("A", 2))
	require.NoError(t, b.Release(v1)) // v1 kept alive by v2
	require.NoError(t, b.Release(v3))

	batch := state.NewBatch()
	require.NoError(t, b.Flush(batch))
	assert.Equal(t, 0, b.Dirty())
	require.NoError(t, store.Write(batch))
	assert.Equal(t, 2, store.Len("buffer"))

	loaded, err := Load(store, "buffer")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, 1, loaded.Refs(v1))
	assert.Equal(t, 1, loaded.Refs(v2))
	assert.False(t, loaded.Contains(v3))

	entries, err := loaded.Materialize(v2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("A"), entries[0].Payload)
	assert.True(t, entries[1].Timestamp.Equal(t0.Add(time.Second)))

	// The gap left by v3 is handed out first.
	next, err := loaded.Fork(v2, entry("C", 3))
	require.NoError(t, err)
	assert.Equal(t, v3, next)
}

func TestFlush_DeletesReclaimed(t *testing.T) {
	store := state.NewMemoryStore()
	b := New("buffer")

	v, _ := b.Fork(None, entry("A", 0))
	batch := state.NewBatch()
	require.NoError(t, b.Flush(batch))
	require.NoError(t, store.Write(batch))
	assert.Equal(t, 1, store.Len("buffer"))

	require.NoError(t, b.Release(v))
	batch.Reset()
	require.NoError(t, b.Flush(batch))
	require.NoError(t, store.Write(batch))
	assert.Equal(t, 0, store.Len("buffer"))
}

func TestLoad_InvalidKey(t *testing.T) {
	store := state.NewMemoryStore()
	batch := state.NewBatch()
	batch.Put("buffer", "abc", []byte(`{}`))
	require.NoError(t, store.Write(batch))

	_, err := Load(store, "buffer")
	assert.Error(t, err)
}

func TestVersions(t *testing.T) {
	b := New("buffer")
	assert.Empty(t, b.Versions())

	v1, _ := b.Fork(None, entry("A", 0))
	v2, _ := b.Fork(v1, entry("B", 1))
	v3, _ := b.Fork(None, entry("A", 2))
	require.NoError(t, b.Release(v3))

	assert.Equal(t, []VersionID{v1, v2}, b.Versions())

	parent, err := b.Parent(v2)
	require.NoError(t, err)
	assert.Equal(t, v1, parent)
}
