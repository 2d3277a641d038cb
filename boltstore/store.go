// Package boltstore persists the sync cursor in a local BoltDB file so a
// restarted client only replays changes made after its last successful sync.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketMetadata = []byte("metadata")

const keyLastSync = "last_sync"

// Store implements graphsync.StateStore on top of bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LastSync returns the zero time if no sync has been recorded.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return errors.New("metadata bucket not found")
		}
		raw := bucket.Get([]byte(keyLastSync))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("corrupt last sync value (%d bytes)", len(raw))
		}
		t = time.Unix(0, int64(binary.BigEndian.Uint64(raw))).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync: %w", err)
	}
	return t, nil
}

// SaveLastSync stores t with nanosecond precision.
func (s *Store) SaveLastSync(ctx context.Context, t time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return errors.New("metadata bucket not found")
		}
		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(t.UnixNano()))
		if err := bucket.Put([]byte(keyLastSync), raw); err != nil {
			return fmt.Errorf("failed to save last sync: %w", err)
		}
		return nil
	})
}
