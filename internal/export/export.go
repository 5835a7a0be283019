// Package export submits assistant answers to the document export service
// and stores the returned PDF on disk.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
)

const (
	defaultTimeout = 60 * time.Second
	maxSlugRunes   = 40
)

// ErrDisabled is returned when no export service URL is configured.
var ErrDisabled = errors.New("export service not configured")

// Error reports a failed export. Exports never fail a turn; callers turn this
// into a notice.
type Error struct {
	Ref    models.ExportRef
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("export %q: service returned %d: %v", e.Ref.Title, e.Status, e.Err)
	}
	return fmt.Sprintf("export %q: %v", e.Ref.Title, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	URL     string
	Dir     string
	Timeout time.Duration
	// Transport replaces the default round tripper; used by tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Client talks to the export service.
type Client struct {
	rest    *resty.Client
	url     string
	dir     string
	log     *slog.Logger
	metrics *metrics.Collector
}

// NewClient creates an export client. A Client with an empty URL plans
// references but fails every export with ErrDisabled.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = "exports"
	}

	rest := resty.New().SetTimeout(opts.Timeout)
	if opts.Transport != nil {
		rest.SetTransport(opts.Transport)
	}
	return &Client{rest: rest, url: opts.URL, dir: opts.Dir, log: opts.Logger, metrics: opts.Metrics}
}

// Enabled reports whether an export service is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// PlanRef returns a pending reference with a deterministic output path.
func (c *Client) PlanRef(title string) models.ExportRef {
	id := uuid.NewString()
	name := slug(title)
	if name == "" {
		name = "export"
	}
	return models.ExportRef{
		ID:     id,
		Title:  title,
		Path:   filepath.Join(c.dir, fmt.Sprintf("%s-%s.pdf", name, id[:8])),
		Status: models.ExportPending,
	}
}

type exportRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Export submits body and writes the returned document to ref.Path. The
// returned ref carries the final status.
func (c *Client) Export(ctx context.Context, ref models.ExportRef, body string) (models.ExportRef, error) {
	if !c.Enabled() {
		ref.Status = models.ExportFailed
		return ref, &Error{Ref: ref, Err: ErrDisabled}
	}
	start := time.Now()
	defer c.metrics.Since(metrics.OpExport, start)

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "application/pdf").
		SetBody(exportRequest{Title: ref.Title, Body: body}).
		SetDoNotParseResponse(true).
		Post(c.url)
	if err != nil {
		return c.fail(ref, 0, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	if !resp.IsSuccess() {
		msg, _ := io.ReadAll(io.LimitReader(raw, 512))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode())
		}
		return c.fail(ref, resp.StatusCode(), errors.New(text))
	}

	if err := writeFile(ref.Path, raw); err != nil {
		return c.fail(ref, 0, err)
	}

	ref.Status = models.ExportDone
	c.log.Info("export written", "id", ref.ID, "path", ref.Path, "duration_ms", time.Since(start).Milliseconds())
	return ref, nil
}

func (c *Client) fail(ref models.ExportRef, status int, err error) (models.ExportRef, error) {
	ref.Status = models.ExportFailed
	c.log.Warn("export failed", "id", ref.ID, "status", status, "error", err)
	return ref, &Error{Ref: ref, Status: status, Err: err}
}

// writeFile streams r to a temp file next to path and renames it into place.
func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename export: %w", err)
	}
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	r := []rune(s)
	if len(r) > maxSlugRunes {
		s = strings.TrimRight(string(r[:maxSlugRunes]), "-")
	}
	return s
}
