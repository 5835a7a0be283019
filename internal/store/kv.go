// Package store provides the local key-value store and the typed repository
// that owns durable conversations, messages, memories and preferences.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Entry is a key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Op is one mutation in a Batch. Delete ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// KV is the local storage engine: key-addressed CRUD, ordered prefix scans
// and atomic batches. Implementations are safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan returns entries whose key starts with prefix in ascending key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Batch applies all ops atomically.
	Batch(ctx context.Context, ops []Op) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Open opens the named backend at path.
func Open(backend, path string) (KV, error) {
	switch strings.ToLower(backend) {
	case "", BackendBolt:
		return OpenBolt(path)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown local backend %q", backend)
	}
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or "" when no such bound exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
