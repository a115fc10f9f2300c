// Package buffer implements the shared versioned buffer that stores the
// events of partial matches.
//
// Every matched event becomes a version node pointing at its predecessor.
// Branching runs share their common prefix, so storage grows with the number
// of distinct live versions rather than runs × match length. Nodes live in an
// arena addressed by integer ids; reclaimed ids go to a free list and are
// handed out again, which keeps persisted ids dense and reclamation
// deterministic.
package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// VersionID addresses a node in the buffer. None (0) is "no version".
type VersionID uint64

// None is the absent parent of a root version.
const None VersionID = 0

// Sentinel errors. Both indicate broken lifecycle bookkeeping and are fatal.
var (
	// ErrUnknownVersion indicates a reference to a version that is not live.
	ErrUnknownVersion = errors.New("unknown buffer version")

	// ErrRefcountUnderflow indicates a release below zero.
	ErrRefcountUnderflow = errors.New("buffer refcount underflow")
)

// Entry is one matched event as stored in the buffer.
type Entry struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"ts"`
	Payload   []byte    `json:"payload"`
}

// node is the persisted form of a version.
// Refs counts runs pointing at the node plus live children.
type node struct {
	Parent VersionID `json:"parent"`
	Entry  Entry     `json:"entry"`
	Refs   int       `json:"refs"`
}

// Buffer is the arena of version nodes owned by one worker.
// It is NOT safe for concurrent use; a worker owns its buffer exclusively.
type Buffer struct {
	bucket string
	slots  []*node // slots[0] is never used
	free   []VersionID
	live   int
	dirty  map[VersionID]struct{}
}

// New creates an empty buffer persisted under bucket.
func New(bucket string) *Buffer {
	return &Buffer{
		bucket: bucket,
		slots:  make([]*node, 1),
		dirty:  make(map[VersionID]struct{}),
	}
}

// Load rebuilds a buffer from the records previously flushed to store.
// Ids missing from the persisted range become free slots, lowest first.
func Load(store state.Store, bucket string) (*Buffer, error) {
	b := New(bucket)
	err := store.Scan(bucket, func(key string, value []byte) error {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid buffer version key %q", key)
		}
		var n node
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("decode buffer version %d: %w", id, err)
		}
		for uint64(len(b.slots)) <= id {
			b.slots = append(b.slots, nil)
		}
		b.slots[id] = &n
		b.live++
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id := len(b.slots) - 1; id > 0; id-- {
		if b.slots[id] == nil {
			b.free = append(b.free, VersionID(id))
		}
	}
	return b, nil
}

// Fork allocates a child of parent holding entry and returns its id.
// The new version starts with one pending reference that the caller must
// hand to exactly one run or drop with Release. A non-None parent gains a
// child reference.
func (b *Buffer) Fork(parent VersionID, entry Entry) (VersionID, error) {
	if parent != None {
		p, err := b.get(parent)
		if err != nil {
			return None, err
		}
		p.Refs++
		b.dirty[parent] = struct{}{}
	}

	n := &node{Parent: parent, Entry: entry, Refs: 1}
	var id VersionID
	if len(b.free) > 0 {
		id = b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]
		b.slots[id] = n
	} else {
		id = VersionID(len(b.slots))
		b.slots = append(b.slots, n)
	}
	b.live++
	b.dirty[id] = struct{}{}
	return id, nil
}

// Attach adds a run reference to v.
func (b *Buffer) Attach(v VersionID) error {
	n, err := b.get(v)
	if err != nil {
		return err
	}
	n.Refs++
	b.dirty[v] = struct{}{}
	return nil
}

// Release drops one reference from v. A version reaching zero is reclaimed
// and its parent released in turn, up to the first ancestor still in use.
func (b *Buffer) Release(v VersionID) error {
	for v != None {
		n, err := b.get(v)
		if err != nil {
			return err
		}
		if n.Refs <= 0 {
			return fmt.Errorf("%w: version %d", ErrRefcountUnderflow, v)
		}
		n.Refs--
		b.dirty[v] = struct{}{}
		if n.Refs > 0 {
			return nil
		}

		b.slots[v] = nil
		b.free = append(b.free, v)
		b.live--
		v = n.Parent
	}
	return nil
}

// Materialize returns the entries from the root version down to v.
func (b *Buffer) Materialize(v VersionID) ([]Entry, error) {
	var out []Entry
	for cur := v; cur != None; {
		n, err := b.get(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, n.Entry)
		if len(out) > len(b.slots) {
			return nil, fmt.Errorf("buffer version %d: parent chain does not terminate", v)
		}
		cur = n.Parent
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Refs returns the reference count of v, or 0 if v is not live.
func (b *Buffer) Refs(v VersionID) int {
	n, err := b.get(v)
	if err != nil {
		return 0
	}
	return n.Refs
}

// Parent returns the parent of v.
func (b *Buffer) Parent(v VersionID) (VersionID, error) {
	n, err := b.get(v)
	if err != nil {
		return None, err
	}
	return n.Parent, nil
}

// Contains reports whether v is live.
func (b *Buffer) Contains(v VersionID) bool {
	_, err := b.get(v)
	return err == nil
}

// Versions returns the live version ids in ascending order.
func (b *Buffer) Versions() []VersionID {
	out := make([]VersionID, 0, b.live)
	for id := 1; id < len(b.slots); id++ {
		if b.slots[id] != nil {
			out = append(out, VersionID(id))
		}
	}
	return out
}

// Len returns the number of live versions.
func (b *Buffer) Len() int {
	return b.live
}

// Flush records every version touched since the last flush into batch:
// live versions are upserted, reclaimed ones deleted.
func (b *Buffer) Flush(batch *state.Batch) error {
	for id := range b.dirty {
		key := strconv.FormatUint(uint64(id), 10)
		if int(id) >= len(b.slots) || b.slots[id] == nil {
			batch.Delete(b.bucket, key)
			continue
		}
		data, err := json.Marshal(b.slots[id])
		if err != nil {
			return fmt.Errorf("encode buffer version %d: %w", id, err)
		}
		batch.Put(b.bucket, key, data)
	}
	clear(b.dirty)
	return nil
}

// Dirty returns the number of versions waiting to be flushed.
func (b *Buffer) Dirty() int {
	return len(b.dirty)
}

func (b *Buffer) get(v VersionID) (*node, error) {
	if v == None || uint64(v) >= uint64(len(b.slots)) || b.slots[v] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	return b.slots[v], nil
}
