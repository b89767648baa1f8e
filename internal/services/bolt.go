package services

import (
	"bytes"
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("storage")

// BoltKV implements the store's KV interface on a BoltDB file. All keys live in one bucket, and each Set
// is a single transaction, so a flush is either written completely or not at all.
type BoltKV struct {
	db *bolt.DB
}

// NewBoltKV opens the BoltDB file at path, creating it with 0600 permissions if it doesn't exist, and
// makes sure the storage bucket is present.
func NewBoltKV(path string) (BoltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltKV{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltKV{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltKV{db: db}, nil
}

// Get returns the stored values of keys. Keys that were never written are absent from the result.
func (b BoltKV) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		if bk == nil {
			return nil
		}
		for _, k := range keys {
			// Values are only valid inside the transaction.
			if v := bk.Get([]byte(k)); v != nil {
				values[k] = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	return values, nil
}

// Set writes every key in values in one transaction.
func (b BoltKV) Set(_ context.Context, values map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s is missing", boltBucket)
		}
		for k, v := range values {
			if err := bk.Put([]byte(k), v); err != nil {
				return fmt.Errorf("failed to put %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close releases the database file.
func (b BoltKV) Close() error {
	return b.db.Close()
}
