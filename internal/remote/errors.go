package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

var (
	// ErrTransactionConflict indicates concurrent writes to the same document.
	// The next debounced push retries.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrEmptyUser indicates a call without a signed-in user id.
	ErrEmptyUser = errors.New("empty user id")
)

// wrapQueryError maps known SurrealDB query errors to sentinels.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) && strings.Contains(queryErr.Message, "Transaction conflict") {
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	}
	return err
}
