// Package kv defines the abstract Ordered KV Store contract the storage
// engine is built on, the bbolt-backed implementation of it, and the
// deterministic key encoding for series and point records.
package kv

import "errors"

// ErrNotFound is returned by Get when the key is absent. Store
// implementations normalize their own "not found" signal to this.
var ErrNotFound = errors.New("kv: key not found")

// OpKind distinguishes a Put from a Delete inside a Batch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation inside an atomic Batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // unused for OpDelete
}

// Batch is an ordered sequence of Puts/Deletes applied atomically by
// Store.Write: either all of them take effect, or none do.
type Batch struct {
	ops []Op
}

// Put appends a put operation to the batch.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
}

// Delete appends a delete operation to the batch.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
}

// Len reports the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Entry is one (key, value) pair yielded by an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator yields entries in ascending lexicographic key order starting at
// or after the key it was created from. Exhausted iterators return
// ok == false from Next forever; Close releases any underlying cursor
// state (for bbolt, the read transaction the iterator holds open).
type Iterator interface {
	Next() (Entry, bool, error)
	Close() error
}

// Store is the abstract Ordered KV Store the storage engine depends on. It
// never leaks an engine-specific type: callers only see encoded keys and
// values.
type Store interface {
	Get(key []byte) ([]byte, error) // returns ErrNotFound if absent
	Put(key, value []byte) error
	Delete(key []byte) error

	// IteratorFrom returns an iterator positioned at the first key >= start,
	// advancing forward in lexicographic order.
	IteratorFrom(start []byte) (Iterator, error)

	// Write applies batch atomically.
	Write(batch *Batch) error

	Close() error
}
