package persist_store

import (
	"io"

	"github.com/cockroachdb/pebble"
)

// DB is the subset of *pebble.DB used by the store. Tests substitute a fake
// to inject failures.
type DB interface {
	// Get returns pebble.ErrNotFound if the key is absent. On success the
	// caller must close the returned closer.
	Get(key []byte) (value []byte, closer io.Closer, err error)

	// NewIter returns an unpositioned iterator.
	NewIter(o *pebble.IterOptions) (Iterator, error)

	Set(key, value []byte, o *pebble.WriteOptions) error

	// NewBatch returns a new empty write-only batch.
	NewBatch() Batch

	Close() error
}

type Iterator interface {
	First() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Next() bool
	Error() error
	Close() error
}

type Batch interface {
	Set(key, value []byte, opt *pebble.WriteOptions) error

	// Delete is blind: it succeeds even if the key does not exist.
	Delete(key []byte, opt *pebble.WriteOptions) error

	// DeleteRange deletes all keys in [start, end).
	DeleteRange(start, end []byte, opt *pebble.WriteOptions) error

	Commit(o *pebble.WriteOptions) error
	Close() error
}

// PebbleDB wraps a pebble.DB to implement the DB interface.
type PebbleDB struct {
	db *pebble.DB
}

func (p *PebbleDB) Get(key []byte) (value []byte, closer io.Closer, err error) {
	return p.db.Get(key)
}

func (p *PebbleDB) NewIter(o *pebble.IterOptions) (iter Iterator, err error) {
	return p.db.NewIter(o)
}

func (p *PebbleDB) Set(key, value []byte, o *pebble.WriteOptions) error {
	return p.db.Set(key, value, o)
}

func (p *PebbleDB) NewBatch() Batch {
	return p.db.NewBatch()
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}
