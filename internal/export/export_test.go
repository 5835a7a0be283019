package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
)

func TestPlanRef(t *testing.T) {
	c := NewClient(Options{Dir: "/tmp/out"})

	ref := c.PlanRef("Passport Renewal: Steps & Fees!")
	assert.Equal(t, models.ExportPending, ref.Status)
	assert.Equal(t, "Passport Renewal: Steps & Fees!", ref.Title)
	assert.NotEmpty(t, ref.ID)
	assert.Equal(t, "/tmp/out", filepath.Dir(ref.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(ref.Path), "passport-renewal-steps-fees-"))
	assert.True(t, strings.HasSuffix(ref.Path, ref.ID[:8]+".pdf"))

	empty := c.PlanRef("???")
	assert.True(t, strings.HasPrefix(filepath.Base(empty.Path), "export-"))
}

func TestExport_WritesDocument(t *testing.T) {
	var got exportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 fake"))
	}))
	defer srv.Close()

	collector := metrics.NewCollector()
	c := NewClient(Options{URL: srv.URL, Dir: t.TempDir(), Metrics: collector})
	ref := c.PlanRef("Answer")

	done, err := c.Export(context.Background(), ref, "# Heading\nbody")
	require.NoError(t, err)
	assert.Equal(t, models.ExportDone, done.Status)
	assert.Equal(t, exportRequest{Title: "Answer", Body: "# Heading\nbody"}, got)

	data, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))
	assert.Contains(t, collector.Snapshot().Operations, metrics.OpExport)
}

func TestExport_ServiceFailureIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "renderer crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{URL: srv.URL, Dir: t.TempDir()})
	ref := c.PlanRef("Answer")

	out, err := c.Export(context.Background(), ref, "body")
	require.Error(t, err)
	assert.Equal(t, models.ExportFailed, out.Status)

	var exportErr *Error
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, http.StatusBadGateway, exportErr.Status)
	assert.Contains(t, err.Error(), "renderer crashed")

	_, statErr := os.Stat(ref.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExport_Disabled(t *testing.T) {
	c := NewClient(Options{Dir: t.TempDir()})
	assert.False(t, c.Enabled())

	out, err := c.Export(context.Background(), c.PlanRef("x"), "body")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, models.ExportFailed, out.Status)
}
