package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/polychat/internal/models"
)

// Top-level fields of a user state document.
const (
	FieldPreferences = "preferences"
	FieldChats       = "chats"
	FieldMemories    = "memories"
)

// UserState is the remote snapshot of one user's data.
type UserState struct {
	ID          *surrealmodels.RecordID `json:"id,omitempty"`
	Preferences *models.Preferences     `json:"preferences,omitempty"`
	Chats       []models.ChatDocument   `json:"chats,omitempty"`
	Memories    []models.Memory         `json:"memories,omitempty"`
	UpdatedAt   *time.Time              `json:"updated_at,omitempty"`
}

// Fetch returns the user's state document, or an empty state when none exists.
func (c *Client) Fetch(ctx context.Context, userID string) (*UserState, error) {
	if userID == "" {
		return nil, ErrEmptyUser
	}

	results, err := surrealdb.Query[[]UserState](ctx, c.db,
		`SELECT * FROM type::record("user_state", $uid)`,
		map[string]any{"uid": userID})
	if err != nil {
		return nil, fmt.Errorf("fetch user state: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &UserState{}, nil
	}
	state := (*results)[0].Result[0]
	return &state, nil
}

// Merge writes fields into the user's document, creating it if needed.
// Fields not present in the patch are left untouched.
func (c *Client) Merge(ctx context.Context, userID string, fields map[string]any) error {
	if userID == "" {
		return ErrEmptyUser
	}

	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["updated_at"] = time.Now().UTC()

	_, err := surrealdb.Query[any](ctx, c.db,
		`UPSERT type::record("user_state", $uid) MERGE $doc`,
		map[string]any{"uid": userID, "doc": doc})
	if err != nil {
		return fmt.Errorf("merge user state: %w", wrapQueryError(err))
	}
	return nil
}

// Delete removes the user's document.
func (c *Client) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	_, err := surrealdb.Query[any](ctx, c.db,
		`DELETE type::record("user_state", $uid)`,
		map[string]any{"uid": userID})
	if err != nil {
		return fmt.Errorf("delete user state: %w", wrapQueryError(err))
	}
	return nil
}
