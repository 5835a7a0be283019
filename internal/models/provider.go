package models

import "log/slog"

// Dialect names the SSE JSON envelope a provider streams.
type Dialect string

const (
	// DialectCandidates nests text at candidates[0].content.parts[0].text.
	DialectCandidates Dialect = "candidates"
	// DialectChoices nests text at choices[0].delta.content.
	DialectChoices Dialect = "choices"
)

// Provider is an LLM vendor known at process start.
type Provider struct {
	ID          string  `json:"id" yaml:"id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Dialect     Dialect `json:"dialect" yaml:"dialect"`
	// RequiresCredential is false only for keyless local endpoints.
	RequiresCredential bool `json:"requires_credential" yaml:"requires_credential"`
}

// Model is a model offered by a provider. Models are cached in memory only.
type Model struct {
	ID            string `json:"id"`
	ProviderID    string `json:"provider_id"`
	DisplayName   string `json:"display_name"`
	ContextLength *int   `json:"context_length,omitempty"`
}

// Credential is an opaque provider secret. It redacts itself when printed or logged.
type Credential string

// String implements fmt.Stringer with a redacted value.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements slog.LogValuer so credentials never reach log output.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Secret returns the raw secret for use in request headers.
func (c Credential) Secret() string {
	return string(c)
}
