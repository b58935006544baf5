// Package store provides type-safe key-value persistence on bbolt. Firebox
// uses it for the identifier ledger: every VM identifier ever issued is
// recorded so a fresh VM can never collide with resources a crashed VM of
// the same name may have left behind.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errdefs.ErrNotFound

// Store provides type-safe key-value storage.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

// BoltStore is a bolt-backed implementation of Store[T].
type BoltStore[T any] struct {
	db         *bolt.DB
	bucketName []byte
}

// Open creates or opens a bolt store at dbPath with the given bucket.
func Open[T any](dbPath, bucketName string) (Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore[T]{db: db, bucketName: []byte(bucketName)}, nil
}

// Get retrieves a value by key.
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key.
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		c := b.Cursor()

		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *BoltStore[T]) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
