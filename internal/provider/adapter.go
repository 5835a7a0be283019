// Package provider implements per-vendor adapters for listing models and
// streaming chat completions.
package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/sse"
)

// Provider ids known at process start.
const (
	Gemini     = "gemini"
	OpenAI     = "openai"
	Groq       = "groq"
	OpenRouter = "openrouter"
)

// Turn is one prior message sent as request context.
type Turn struct {
	Role    models.Role
	Content string
}

// RawStream is the undecoded event-stream body of a completion request.
// The caller must close Body.
type RawStream struct {
	Body    io.ReadCloser
	Dialect sse.Dialect
}

// Adapter encapsulates the vendor deltas of one provider: auth scheme,
// request envelope, role mapping, model ranking and SSE dialect.
type Adapter interface {
	Info() models.Provider
	ListModels(ctx context.Context, cred models.Credential) ([]models.Model, error)
	StreamCompletion(ctx context.Context, cred models.Credential, modelID string, turns []Turn, systemPrompt string) (*RawStream, error)
}

// Registry is a lookup table of adapters keyed by provider id.
// It is immutable after construction.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from adapters. A later adapter with a
// duplicate id replaces the earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Info().ID] = a
	}
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return a, nil
}

// Providers lists registered providers ordered by id.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Defaults returns the closed set of providers with their public endpoints.
func Defaults() []models.Provider {
	return []models.Provider{
		{ID: Gemini, DisplayName: "Google Gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta", Dialect: models.DialectCandidates, RequiresCredential: true},
		{ID: OpenAI, DisplayName: "OpenAI", BaseURL: "https://api.openai.com/v1", Dialect: models.DialectChoices, RequiresCredential: true},
		{ID: Groq, DisplayName: "Groq", BaseURL: "https://api.groq.com/openai/v1", Dialect: models.DialectChoices, RequiresCredential: true},
		{ID: OpenRouter, DisplayName: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1", Dialect: models.DialectChoices, RequiresCredential: true},
	}
}

// constructors maps a dialect to the adapter implementing it.
var constructors = map[models.Dialect]func(models.Provider, *httpClient) Adapter{
	models.DialectCandidates: func(p models.Provider, c *httpClient) Adapter { return newGeminiAdapter(p, c) },
	models.DialectChoices:    func(p models.Provider, c *httpClient) Adapter { return newOpenAIAdapter(p, c) },
}

// NewDefaultRegistry builds adapters for every default provider. Entries in
// baseURLs override a provider's endpoint (used for proxies and tests).
func NewDefaultRegistry(opts HTTPOptions, baseURLs map[string]string) (*Registry, error) {
	client := newHTTPClient(opts)
	var adapters []Adapter
	for _, p := range Defaults() {
		if u, ok := baseURLs[p.ID]; ok && u != "" {
			p.BaseURL = strings.TrimRight(u, "/")
		}
		build, ok := constructors[p.Dialect]
		if !ok {
			return nil, fmt.Errorf("provider %s: unsupported dialect %q", p.ID, p.Dialect)
		}
		adapters = append(adapters, build(p, client))
	}
	return NewRegistry(adapters...), nil
}
