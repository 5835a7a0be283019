// Package search provides web-search grounding for prompts.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/raphaelgruber/polychat/internal/models"
)

// noResults is what the DuckDuckGo tool returns instead of an error when nothing matched.
const noResults = "No good DuckDuckGo Search Results was found"

// Client runs web searches through a langchaingo tool and parses the
// formatted output into classified sources.
type Client struct {
	tool tools.Tool
	max  int
	log  *slog.Logger
	now  func() time.Time
}

// NewDuckDuckGo builds a Client backed by the DuckDuckGo HTML search tool.
func NewDuckDuckGo(maxResults int, userAgent string, log *slog.Logger) (*Client, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	if userAgent == "" {
		userAgent = "polychat"
	}
	tool, err := duckduckgo.New(maxResults, userAgent)
	if err != nil {
		return nil, fmt.Errorf("create duckduckgo tool: %w", err)
	}
	return NewClient(tool, maxResults, log), nil
}

// NewClient wraps any tool whose output uses Title:/Description:/URL: blocks.
func NewClient(tool tools.Tool, maxResults int, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{tool: tool, max: maxResults, log: log, now: time.Now}
}

// Search runs query and returns the parsed result. A search with no hits
// returns a result with no sources rather than an error.
func (c *Client) Search(ctx context.Context, query string) (*models.WebSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("web search: empty query")
	}

	out, err := c.tool.Call(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	sources := parseResults(out)
	if c.max > 0 && len(sources) > c.max {
		sources = sources[:c.max]
	}
	c.log.Debug("web search complete", "tool", c.tool.Name(), "results", len(sources))

	return &models.WebSearchResult{
		Query:     query,
		Sources:   sources,
		FetchedAt: c.now().UTC(),
	}, nil
}

// parseResults reads blocks of
//
//	Title: ...
//	Description: ...
//	URL: ...
//
// separated by blank lines.
func parseResults(out string) []models.WebSource {
	if strings.TrimSpace(out) == "" || strings.Contains(out, noResults) {
		return nil
	}

	var (
		sources []models.WebSource
		cur     models.WebSource
	)
	flush := func() {
		if cur.URL != "" || cur.Title != "" {
			cur.Trust = Classify(cur.URL)
			sources = append(sources, cur)
		}
		cur = models.WebSource{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "Title:"):
			if cur.Title != "" {
				flush()
			}
			cur.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Description:"):
			cur.Snippet = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case strings.HasPrefix(line, "URL:"):
			cur.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		}
	}
	flush()
	return sources
}
