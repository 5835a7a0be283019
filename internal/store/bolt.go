package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("polychat")

// BoltKV stores all records in a single bbolt bucket.
type BoltKV struct {
	db     *bolt.DB
	closed atomic.Bool
}

// OpenBolt opens or creates a bbolt file at path.
func OpenBolt(path string) (*BoltKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, persistErr("open", path, fmt.Errorf("make data dir: %w", err))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, persistErr("open", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, persistErr("open", path, fmt.Errorf("create bucket: %w", err))
	}
	return &BoltKV{db: db}, nil
}

func (s *BoltKV) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, persistErr("get", key, ErrClosed)
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err == ErrNotFound {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get", key, err)
	}
	return out, nil
}

func (s *BoltKV) Put(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return persistErr("put", key, ErrClosed)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	return persistErr("put", key, err)
}

func (s *BoltKV) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return persistErr("delete", key, ErrClosed)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	return persistErr("delete", key, err)
}

func (s *BoltKV) Scan(_ context.Context, prefix string) ([]Entry, error) {
	if s.closed.Load() {
		return nil, persistErr("scan", prefix, ErrClosed)
	}
	var out []Entry
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, Entry{Key: string(k), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("scan", prefix, err)
	}
	return out, nil
}

func (s *BoltKV) Batch(_ context.Context, ops []Op) error {
	if s.closed.Load() {
		return persistErr("batch", "", ErrClosed)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, op := range ops {
			var err error
			if op.Delete {
				err = b.Delete([]byte(op.Key))
			} else {
				err = b.Put([]byte(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", op.Key, err)
			}
		}
		return nil
	})
	return persistErr("batch", "", err)
}

// Close releases the file. Later calls return ErrClosed; Close itself is idempotent.
func (s *BoltKV) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
