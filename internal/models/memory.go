package models

import "time"

// MemoryType classifies a captured memory.
type MemoryType string

const (
	MemoryProfileFact MemoryType = "profile-fact"
	MemoryPreference  MemoryType = "preference"
	MemoryFact        MemoryType = "fact"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryProfileFact, MemoryPreference, MemoryFact:
		return true
	}
	return false
}

// Memory is a user fact referenced when composing system prompts.
// Besides create and delete, toggling Enabled is the only mutation.
type Memory struct {
	ID        string     `json:"id"`
	Type      MemoryType `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
}
