package persistence

import (
	"errors"
	"fmt"
)

// ErrNotSignedIn is returned by operations that need a remote identity.
var ErrNotSignedIn = errors.New("not signed in")

// SyncError is a failed exchange with the remote store. Pushes that fail
// are logged and retried on the next debounce cycle; they are never
// returned from local mutations.
type SyncError struct {
	Op     string
	UserID string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
