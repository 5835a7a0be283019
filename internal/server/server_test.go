package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/persistence"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/session"
	"github.com/raphaelgruber/polychat/internal/sse"
	"github.com/raphaelgruber/polychat/internal/store"
)

// echoAdapter streams the last user turn back one word at a time.
type echoAdapter struct{}

func (echoAdapter) Info() models.Provider {
	return models.Provider{ID: "echo", DisplayName: "Echo", Dialect: models.DialectChoices}
}

func (echoAdapter) ListModels(context.Context, models.Credential) ([]models.Model, error) {
	return []models.Model{{ID: "echo-1", ProviderID: "echo"}, {ID: "echo-2", ProviderID: "echo"}}, nil
}

func (echoAdapter) StreamCompletion(_ context.Context, _ models.Credential, _ string, turns []provider.Turn, _ string) (*provider.RawStream, error) {
	var b strings.Builder
	for i, w := range strings.Fields(turns[len(turns)-1].Content) {
		if i > 0 {
			w = " " + w
		}
		raw, _ := json.Marshal(map[string]string{"t": w})
		b.WriteString("data: " + string(raw) + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return &provider.RawStream{Body: io.NopCloser(strings.NewReader(b.String())), Dialect: echoDialect}, nil
}

func echoDialect(payload []byte) (sse.Token, bool, error) {
	var f struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return sse.Token{}, false, err
	}
	return sse.Token{Text: f.T}, f.T != "", nil
}

// testLogger discards output; switch to os.Stderr when debugging.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fixture struct {
	srv     *Server
	http    *httptest.Server
	persist *persistence.Service
	orch    *session.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := store.OpenBolt(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	svc := persistence.NewService(store.NewRepository(kv, nil), nil, persistence.Options{})

	mc := metrics.NewCollector()
	orch := session.New(provider.NewRegistry(echoAdapter{}), svc, session.NewStateStore(session.State{}), session.Options{Metrics: mc})
	ctx := context.Background()
	_, err = svc.UpdatePreferences(ctx, func(p *models.Preferences) { p.ProviderID, p.ModelID = "echo", "echo-1" })
	require.NoError(t, err)
	require.NoError(t, orch.Restore(ctx))

	srv := New(orch, svc, mc, testLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseConnections()
		hs.Close()
		srv.Wait()
		_ = orch.Close(ctx)
		_ = svc.Close(ctx)
	})
	return &fixture{srv: srv, http: hs, persist: svc, orch: orch}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one with the given id arrives.
func readUntil(t *testing.T, conn *websocket.Conn, id string) (Event, []Event) {
	t.Helper()
	var seen []Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.ID == id && ev.Type != EventState {
			return ev, seen
		}
		seen = append(seen, ev)
	}
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(f.http.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.NotNil(t, snap.Counters)
}

func TestWebsocket_SendTurn(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Command{ID: "1", Type: CmdSendTurn, Text: "hello brave new world"}))
	res, seen := readUntil(t, conn, "1")

	require.Equal(t, EventResult, res.Type, res.Error)
	require.NotNil(t, res.Message)
	assert.Equal(t, "hello brave new world", res.Message.Content)
	assert.Equal(t, models.RoleAssistant, res.Message.Role)

	require.NotEmpty(t, seen)
	for _, ev := range seen {
		assert.Equal(t, EventState, ev.Type)
	}
	last := seen[len(seen)-1].State
	require.NotNil(t, last)
	assert.Equal(t, session.PhaseIdle, last.Turn(res.Message.ConversationID).Phase)

	resp, err := http.Get(f.http.URL + "/api/conversations/" + res.Message.ConversationID + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	var msgs []models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello brave new world", msgs[0].Content)

	stats := f.srv.metrics.Snapshot()
	assert.Equal(t, int64(1), stats.Counters[metrics.CountTurnsCompleted])
}

func TestWebsocket_SelectionCommands(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Command{ID: "p", Type: CmdSelectProvider, ProviderID: "echo"}))
	res, _ := readUntil(t, conn, "p")
	require.Equal(t, EventResult, res.Type, res.Error)
	assert.Len(t, res.Models, 2)

	require.NoError(t, conn.WriteJSON(Command{ID: "m", Type: CmdSelectModel, ModelID: "echo-2"}))
	res, _ = readUntil(t, conn, "m")
	assert.Equal(t, EventResult, res.Type)

	require.NoError(t, conn.WriteJSON(Command{ID: "bad", Type: CmdSelectModel, ModelID: "nope"}))
	res, _ = readUntil(t, conn, "bad")
	assert.Equal(t, EventError, res.Type)
	assert.Contains(t, res.Error, "unknown model")

	require.NoError(t, conn.WriteJSON(Command{ID: "t", Type: CmdToggleMemory}))
	res, _ = readUntil(t, conn, "t")
	require.NotNil(t, res.Enabled)
	assert.False(t, *res.Enabled)

	on := true
	require.NoError(t, conn.WriteJSON(Command{ID: "w", Type: CmdSetWebGrounding, Enabled: &on}))
	res, _ = readUntil(t, conn, "w")
	assert.Equal(t, EventResult, res.Type)

	require.NoError(t, conn.WriteJSON(Command{ID: "c", Type: CmdCancel, ConversationID: "none"}))
	res, _ = readUntil(t, conn, "c")
	require.NotNil(t, res.Cancelled)
	assert.False(t, *res.Cancelled)

	require.NoError(t, conn.WriteJSON(Command{ID: "x", Type: "launch_rockets"}))
	res, _ = readUntil(t, conn, "x")
	assert.Equal(t, EventError, res.Type)

	snap := f.orch.State().Snapshot()
	assert.Equal(t, "echo-2", snap.ModelID)
	assert.False(t, snap.MemoryEnabled)
	assert.True(t, snap.WebGrounding)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x?q="+strings.Repeat("a", 300), nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request failed", entry["msg"])
	assert.Equal(t, float64(500), entry["status"])
	assert.Len(t, entry["query"], maxArgLogLen)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
