package models

import "time"

// SourceTrust classifies a web source for grounding instructions.
type SourceTrust string

const (
	TrustAuthoritative SourceTrust = "authoritative"
	TrustThirdParty    SourceTrust = "third-party"
)

// WebSource is a single search hit.
type WebSource struct {
	Title   string      `json:"title"`
	Snippet string      `json:"snippet"`
	URL     string      `json:"url"`
	Trust   SourceTrust `json:"trust"`
}

// WebSearchResult is attached to assistant messages grounded on a web search.
type WebSearchResult struct {
	Query     string      `json:"query"`
	Sources   []WebSource `json:"sources"`
	FetchedAt time.Time   `json:"fetched_at"`
}
