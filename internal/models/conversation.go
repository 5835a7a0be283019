// Package models defines the durable and transient records shared across polychat.
package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TitleMaxRunes is the number of runes of the first user message used as a default title.
const TitleMaxRunes = 50

// Conversation represents a persistent chat session.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message represents a single chat message within a conversation.
// Messages are append-only: once committed their content never changes.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	CreatedAt      time.Time        `json:"created_at"`
	WebResult      *WebSearchResult `json:"web_result,omitempty"`
	Export         *ExportRef       `json:"export,omitempty"`
}

// ChatDocument is a conversation together with its ordered messages.
// It is the unit of bulk remote sync.
type ChatDocument struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ExportStatus tracks the lifecycle of an exported document.
type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportDone    ExportStatus = "done"
	ExportFailed  ExportStatus = "failed"
)

// ExportRef references a document produced by the export collaborator.
type ExportRef struct {
	ID     string       `json:"id"`
	Title  string       `json:"title"`
	Path   string       `json:"path"`
	Status ExportStatus `json:"status"`
}
