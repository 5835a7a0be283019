package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested key or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an append-only record was written twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("store closed")
)

// PersistenceError is a local read or write failure. It is fatal to the
// operation that triggered it.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
