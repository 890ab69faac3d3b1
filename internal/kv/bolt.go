package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketName is the single bucket the whole keyspace lives in. bbolt
// orders keys lexicographically within a bucket, which is exactly the
// ordering guarantee the abstract Ordered KV Store requires.
var bucketName = []byte("kakoidb")

// BoltStore is the bbolt-backed implementation of Store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database file at path,
// ensuring its parent directory and root bucket exist.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kv: mkdir for %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BoltStore) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (s *BoltStore) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

func (s *BoltStore) Write(batch *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range batch.ops {
			var err error
			switch op.Kind {
			case OpPut:
				err = b.Put(op.Key, op.Value)
			case OpDelete:
				err = b.Delete(op.Key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// IteratorFrom opens a read transaction and a cursor positioned at the
// first key >= start. The transaction is held open for the lifetime of the
// iterator and rolled back (read-only, so this is just a release) on
// Close; callers MUST call Close when done, including on early return.
func (s *BoltStore) IteratorFrom(start []byte) (Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	cur := tx.Bucket(bucketName).Cursor()
	return &boltIterator{tx: tx, cur: cur, start: start, first: true}, nil
}

type boltIterator struct {
	tx    *bolt.Tx
	cur   *bolt.Cursor
	start []byte
	first bool
}

func (it *boltIterator) Next() (Entry, bool, error) {
	var k, v []byte
	if it.first {
		it.first = false
		k, v = it.cur.Seek(it.start)
	} else {
		k, v = it.cur.Next()
	}
	if k == nil {
		return Entry{}, false, nil
	}
	return Entry{
		Key:   append([]byte(nil), k...),
		Value: append([]byte(nil), v...),
	}, true, nil
}

func (it *boltIterator) Close() error {
	return it.tx.Rollback()
}
