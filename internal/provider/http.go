package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultListTimeout = 20 * time.Second
	errorBodyLimit     = 4096
)

// HTTPOptions configures the HTTP client shared by all adapters.
type HTTPOptions struct {
	// ListTimeout bounds model-list requests. Streaming requests are bounded
	// only by their context.
	ListTimeout time.Duration
	UserAgent   string
	// Transport replaces the default round tripper; used by tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

type httpClient struct {
	rest        *resty.Client
	listTimeout time.Duration
	log         *slog.Logger
}

func newHTTPClient(opts HTTPOptions) *httpClient {
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = defaultListTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "polychat"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rest := resty.New().SetHeader("User-Agent", opts.UserAgent)
	if opts.Transport != nil {
		rest.SetTransport(opts.Transport)
	}
	return &httpClient{rest: rest, listTimeout: opts.ListTimeout, log: opts.Logger}
}

// request describes one vendor call. URLs never carry secrets; those go
// through headers or query so that the URL is safe to log.
type request struct {
	provider string
	url      string
	headers  map[string]string
	query    map[string]string
	body     any
}

// getJSON performs a bounded GET and decodes a JSON response into result.
func (c *httpClient) getJSON(ctx context.Context, req request, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(req.headers).
		SetQueryParams(req.query).
		SetResult(result).
		ForceContentType("application/json").
		Get(req.url)
	if err != nil {
		return transportError(req.provider, err)
	}

	c.log.Debug("provider request", "provider", req.provider, "url", req.url, "status", resp.StatusCode(), "duration_ms", time.Since(start).Milliseconds())
	if !resp.IsSuccess() {
		return classifyStatus(req.provider, resp.StatusCode(), resp.Header(), resp.Body())
	}
	return nil
}

// postStream performs a POST and returns the unread event-stream body on 2xx.
// Non-2xx responses are drained, closed and classified before any byte is decoded.
func (c *httpClient) postStream(ctx context.Context, req request) (io.ReadCloser, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(req.headers).
		SetQueryParams(req.query).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetBody(req.body).
		SetDoNotParseResponse(true).
		Post(req.url)
	if err != nil {
		return nil, transportError(req.provider, err)
	}

	body := resp.RawBody()
	c.log.Debug("provider stream opened", "provider", req.provider, "url", req.url, "status", resp.StatusCode())
	if !resp.IsSuccess() {
		raw, _ := io.ReadAll(io.LimitReader(body, errorBodyLimit))
		_ = body.Close()
		return nil, classifyStatus(req.provider, resp.StatusCode(), resp.Header(), raw)
	}
	return body, nil
}

func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s request: %w", provider, context.Canceled)
	}
	return &UnavailableError{Provider: provider, Err: err}
}

// classifyStatus maps a non-2xx status to the provider error taxonomy.
func classifyStatus(provider string, status int, header http.Header, body []byte) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, Status: status, Message: msg}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter(header), Message: msg}
	case status >= 500:
		return &UnavailableError{Provider: provider, Status: status, Err: errors.New(msg)}
	default:
		return &UnrecoverableError{Provider: provider, Status: status, Message: msg}
	}
}

// errorMessage extracts error.message from the envelope shared by the
// supported vendors, falling back to the raw body.
func errorMessage(body []byte) string {
	var env struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
