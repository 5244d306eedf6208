package db

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB wraps the actual LevelDB connection
type LevelDB struct {
	conn *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB instance at the given path
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

// Close safely closes the LevelDB connection
func (l *LevelDB) Close() error {
	return l.conn.Close()
}

// Put inserts or updates a key-value pair
func (l *LevelDB) Put(key, value []byte) error {
	return l.conn.Put(key, value, nil)
}

// Get retrieves the value for a given key
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	return l.conn.Get(key, nil)
}

// Has reports whether the key is present
func (l *LevelDB) Has(key []byte) (bool, error) {
	return l.conn.Has(key, nil)
}

// Delete removes a key-value pair
func (l *LevelDB) Delete(key []byte) error {
	return l.conn.Delete(key, nil)
}

// Write applies a batch of updates atomically
func (l *LevelDB) Write(batch *leveldb.Batch) error {
	return l.conn.Write(batch, nil)
}

// NewIterator returns an iterator to loop over all key-value pairs
func (l *LevelDB) NewIterator() iterator.Iterator {
	return l.conn.NewIterator(nil, nil)
}

// NewPrefixIterator returns an iterator limited to keys with the given prefix
func (l *LevelDB) NewPrefixIterator(prefix []byte) iterator.Iterator {
	return l.conn.NewIterator(util.BytesPrefix(prefix), nil)
}

// IsNotFound reports whether err means the key does not exist
func IsNotFound(err error) bool {
	return err == leveldb.ErrNotFound
}
