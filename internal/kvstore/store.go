package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names. Schedules holds durable scheduler entries; Leases holds
// processing-lock leases so correctness survives process restarts.
const (
	BucketSchedules = "Schedules"
	BucketLeases    = "Leases"
)

// ErrKeyNotFound is returned when a key has no value in a bucket.
var ErrKeyNotFound = errors.New("key not found")

// Store is a small durable key-value store on top of bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the store and its buckets.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create kvstore directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open kvstore: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{BucketSchedules, BucketLeases} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Put stores a value under a key in a bucket.
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), value)
	})
}

// Get returns the value stored under a key, or ErrKeyNotFound.
func (s *Store) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// ForEach iterates all key/value pairs in a bucket.
func (s *Store) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Update runs fn inside one read-write transaction against a bucket. The
// lease lock uses this for its atomic check-and-set.
func (s *Store) Update(bucket string, fn func(b *bbolt.Bucket) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket([]byte(bucket)))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
