// Package state provides durable keyed storage for the CEP engine.
//
// The engine persists four collections per query: run descriptors keyed by
// stream key, buffer versions, aggregate versions, and per-topic
// watermarks. Every backend stores them as opaque bytes in named buckets and
// applies a Batch atomically, so a record is either fully committed or not
// at all.
package state

import (
	"errors"
	"fmt"
)

// Bucket names used by the engine. A worker prefixes them with its
// partition (see Prefixed) so workers never share keys.
const (
	BucketRuns       = "runs"
	BucketBuffer     = "buffer"
	BucketAggregates = "aggregates"
	BucketWatermarks = "watermarks"
)

// Store persists keyed records grouped in buckets.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under (bucket, key).
	// Returns ErrNotFound if the key doesn't exist.
	Get(bucket, key string) ([]byte, error)

	// Scan calls fn for every record in bucket, ordered by key.
	// Returning an error from fn stops the scan and returns that error.
	Scan(bucket string, fn func(key string, value []byte) error) error

	// Write applies all operations of the batch atomically.
	// An empty batch is a no-op.
	Write(b *Batch) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("state store closed")
)

// Op is a single mutation inside a Batch.
type Op struct {
	Bucket string
	Key    string
	// Value is nil for deletes.
	Value  []byte
	Delete bool
}

// Batch collects mutations to apply atomically with Store.Write.
// A later operation on the same (bucket, key) wins.
type Batch struct {
	ops []Op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put records an upsert. The value is copied.
func (b *Batch) Put(bucket, key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, Op{Bucket: bucket, Key: key, Value: v})
}

// Delete records a removal. Deleting a missing key is not an error.
func (b *Batch) Delete(bucket, key string) {
	b.ops = append(b.ops, Op{Bucket: bucket, Key: key, Delete: true})
}

// Ops returns the recorded operations in insertion order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of recorded operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// Reset empties the batch so it can be reused.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

// Prefixed returns bucket scoped to a partition, e.g. "p3/runs".
func Prefixed(partition int, bucket string) string {
	return fmt.Sprintf("p%d/%s", partition, bucket)
}

// StoreError wraps a backend failure with the operation and bucket involved.
// Store errors are fatal for the engine: it cannot guess what was committed.
type StoreError struct {
	// Op is the operation that failed ("get", "scan", "write").
	Op string
	// Bucket is the bucket involved, empty for multi-bucket writes.
	Bucket string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Bucket == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Bucket, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}
