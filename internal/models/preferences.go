package models

import "time"

// Preferences holds the lightweight, frequently-changing settings synced on the fast path.
type Preferences struct {
	ProviderID    string                `json:"provider_id,omitempty"`
	ModelID       string                `json:"model_id,omitempty"`
	PromptMode    string                `json:"prompt_mode,omitempty"`
	MemoryEnabled *bool                 `json:"memory_enabled,omitempty"`
	WebGrounding  *bool                 `json:"web_grounding,omitempty"`
	Credentials   map[string]Credential `json:"credentials,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// MemoryOn reports whether memory injection is enabled (default true).
func (p Preferences) MemoryOn() bool {
	return p.MemoryEnabled == nil || *p.MemoryEnabled
}

// WebOn reports whether web grounding is enabled (default false).
func (p Preferences) WebOn() bool {
	return p.WebGrounding != nil && *p.WebGrounding
}

// Clone returns a copy that does not share the credentials map.
func (p Preferences) Clone() Preferences {
	out := p
	if p.Credentials != nil {
		out.Credentials = make(map[string]Credential, len(p.Credentials))
		for k, v := range p.Credentials {
			out.Credentials[k] = v
		}
	}
	if p.MemoryEnabled != nil {
		v := *p.MemoryEnabled
		out.MemoryEnabled = &v
	}
	if p.WebGrounding != nil {
		v := *p.WebGrounding
		out.WebGrounding = &v
	}
	return out
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}
