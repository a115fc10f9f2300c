package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// VersionID addresses a tracker version. None (0) means "no aggregates yet".
type VersionID uint64

// None is the empty aggregate version.
const None VersionID = 0

var (
	// ErrUnknownVersion indicates a reference to a version that is not live.
	ErrUnknownVersion = errors.New("unknown aggregate version")

	// ErrRefcountUnderflow indicates a release below zero.
	ErrRefcountUnderflow = errors.New("aggregate refcount underflow")

	// ErrUnknownAggregate indicates an update for an undeclared aggregate.
	ErrUnknownAggregate = errors.New("unknown aggregate")
)

// Update folds Value into the aggregate called Name.
type Update struct {
	Name  string
	Value decimal.Decimal
}

// version holds every accumulator of one branch. Versions do not point at
// their parent: forking copies the accumulators, so a version is released
// independently of its ancestors.
type version struct {
	Values map[string]Accumulator `json:"values"`
	Refs   int                    `json:"refs"`
}

// Tracker is the arena of aggregate versions owned by one worker.
// It is NOT safe for concurrent use.
type Tracker struct {
	bucket    string
	functions map[string]Function
	slots     []*version
	free      []VersionID
	live      int
	dirty     map[VersionID]struct{}
}

// NewTracker creates an empty tracker for the declared aggregates, keyed by
// aggregate name.
func NewTracker(bucket string, functions map[string]Function) *Tracker {
	return &Tracker{
		bucket:    bucket,
		functions: functions,
		slots:     make([]*version, 1),
		dirty:     make(map[VersionID]struct{}),
	}
}

// LoadTracker rebuilds a tracker from the records flushed to store.
func LoadTracker(store state.Store, bucket string, functions map[string]Function) (*Tracker, error) {
	t := NewTracker(bucket, functions)
	err := store.Scan(bucket, func(key string, value []byte) error {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid aggregate version key %q", key)
		}
		var v version
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode aggregate version %d: %w", id, err)
		}
		for uint64(len(t.slots)) <= id {
			t.slots = append(t.slots, nil)
		}
		t.slots[id] = &v
		t.live++
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id := len(t.slots) - 1; id > 0; id-- {
		if t.slots[id] == nil {
			t.free = append(t.free, VersionID(id))
		}
	}
	return t, nil
}

// Fork derives a version from parent with updates applied and returns it
// holding one pending reference. Without updates the parent itself is
// shared: it gains a reference and is returned (None stays None).
func (t *Tracker) Fork(parent VersionID, updates []Update) (VersionID, error) {
	var base map[string]Accumulator
	if parent != None {
		p, err := t.get(parent)
		if err != nil {
			return None, err
		}
		if len(updates) == 0 {
			p.Refs++
			t.dirty[parent] = struct{}{}
			return parent, nil
		}
		base = p.Values
	} else if len(updates) == 0 {
		return None, nil
	}

	values := make(map[string]Accumulator, len(t.functions))
	maps.Copy(values, base)
	for _, u := range updates {
		fn, ok := t.functions[u.Name]
		if !ok {
			return None, fmt.Errorf("%w: %q", ErrUnknownAggregate, u.Name)
		}
		if acc, ok := values[u.Name]; ok {
			values[u.Name] = fn.Combine(acc, u.Value)
		} else {
			values[u.Name] = fn.Initial(u.Value)
		}
	}

	v := &version{Values: values, Refs: 1}
	var id VersionID
	if len(t.free) > 0 {
		id = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.slots[id] = v
	} else {
		id = VersionID(len(t.slots))
		t.slots = append(t.slots, v)
	}
	t.live++
	t.dirty[id] = struct{}{}
	return id, nil
}

// Attach adds a reference to v. Attaching None is a no-op.
func (t *Tracker) Attach(v VersionID) error {
	if v == None {
		return nil
	}
	n, err := t.get(v)
	if err != nil {
		return err
	}
	n.Refs++
	t.dirty[v] = struct{}{}
	return nil
}

// Release drops one reference from v, reclaiming it at zero.
// Releasing None is a no-op.
func (t *Tracker) Release(v VersionID) error {
	if v == None {
		return nil
	}
	n, err := t.get(v)
	if err != nil {
		return err
	}
	if n.Refs <= 0 {
		return fmt.Errorf("%w: version %d", ErrRefcountUnderflow, v)
	}
	n.Refs--
	t.dirty[v] = struct{}{}
	if n.Refs == 0 {
		t.slots[v] = nil
		t.free = append(t.free, v)
		t.live--
	}
	return nil
}

// Read returns the current result of the aggregate called name in version v.
// The boolean is false when nothing has been folded into it yet.
func (t *Tracker) Read(v VersionID, name string) (decimal.Decimal, bool, error) {
	fn, ok := t.functions[name]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("%w: %q", ErrUnknownAggregate, name)
	}
	if v == None {
		return decimal.Zero, false, nil
	}
	n, err := t.get(v)
	if err != nil {
		return decimal.Zero, false, err
	}
	acc, ok := n.Values[name]
	if !ok {
		return decimal.Zero, false, nil
	}
	return fn.Result(acc), true, nil
}

// Snapshot returns the results of every aggregate folded into v.
func (t *Tracker) Snapshot(v VersionID) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if v == None {
		return out, nil
	}
	n, err := t.get(v)
	if err != nil {
		return nil, err
	}
	for name, acc := range n.Values {
		if fn, ok := t.functions[name]; ok {
			out[name] = fn.Result(acc)
		}
	}
	return out, nil
}

// Refs returns the reference count of v, or 0 if v is not live.
func (t *Tracker) Refs(v VersionID) int {
	n, err := t.get(v)
	if err != nil {
		return 0
	}
	return n.Refs
}

// Contains reports whether v is live.
func (t *Tracker) Contains(v VersionID) bool {
	_, err := t.get(v)
	return err == nil
}

// Len returns the number of live versions.
func (t *Tracker) Len() int {
	return t.live
}

// Flush records every version touched since the last flush into batch.
func (t *Tracker) Flush(batch *state.Batch) error {
	for id := range t.dirty {
		key := strconv.FormatUint(uint64(id), 10)
		if int(id) >= len(t.slots) || t.slots[id] == nil {
			batch.Delete(t.bucket, key)
			continue
		}
		data, err := json.Marshal(t.slots[id])
		if err != nil {
			return fmt.Errorf("encode aggregate version %d: %w", id, err)
		}
		batch.Put(t.bucket, key, data)
	}
	clear(t.dirty)
	return nil
}

func (t *Tracker) get(v VersionID) (*version, error) {
	if v == None || uint64(v) >= uint64(len(t.slots)) || t.slots[v] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	return t.slots[v], nil
}
