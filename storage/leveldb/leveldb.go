// Package leveldb adapts a goleveldb database as a base-state backend
// for the parallel execution engine.
package leveldb

import (
	"github.com/pingcap/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// Backend reads base values from a LevelDB database.
type Backend struct {
	db *leveldb.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Backend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "open leveldb at %s", path)
	}
	return &Backend{db: db}, nil
}

// Get returns the stored value, or nil when the key is absent.
func (b *Backend) Get(key string) ([]byte, error) {
	value, err := b.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return value, nil
}

// Put seeds a value, for batch setup and benchmarks.
func (b *Backend) Put(key string, value []byte) error {
	return errors.Trace(b.db.Put([]byte(key), value, nil))
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return errors.Trace(b.db.Close())
}
