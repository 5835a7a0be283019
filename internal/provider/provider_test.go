package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/sse"
)

func newTestRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	r, err := NewDefaultRegistry(HTTPOptions{}, map[string]string{
		Gemini:     srv.URL,
		OpenAI:     srv.URL,
		Groq:       srv.URL,
		OpenRouter: srv.URL,
	})
	require.NoError(t, err)
	return r
}

func decodeAll(t *testing.T, rs *RawStream) []sse.Token {
	t.Helper()
	defer rs.Body.Close()
	d := sse.NewDecoder(rs.Body, rs.Dialect)
	var out []sse.Token
	for {
		tok, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, tok)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r, err := NewDefaultRegistry(HTTPOptions{}, nil)
	require.NoError(t, err)

	_, err = r.Get("mystery")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	ids := make([]string, 0)
	for _, p := range r.Providers() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{Gemini, Groq, OpenAI, OpenRouter}, ids)
}

func TestGemini_StreamCompletion(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":" there"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"!"}]},"finishReason":"STOP"}]}`,
		}
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\r\n\r\n")
			flusher.Flush()
		}
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(Gemini)
	require.NoError(t, err)

	rs, err := a.StreamCompletion(context.Background(), "g-key", "gemini-2.0-flash", []Turn{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hey"},
		{Role: models.RoleUser, Content: "again"},
	}, "be brief")
	require.NoError(t, err)

	got := decodeAll(t, rs)
	want := []sse.Token{{Text: "Hi"}, {Text: " there"}, {Text: "!", Terminal: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}

	contents := gotBody["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	sys := gotBody["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)
	assert.Equal(t, "be brief", sys["text"])
}

func TestOpenAI_StreamCompletion(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer o-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: {broken\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(OpenAI)
	require.NoError(t, err)

	rs, err := a.StreamCompletion(context.Background(), "o-key", "gpt-4o-mini", []Turn{
		{Role: models.RoleUser, Content: "hello"},
	}, "sys")
	require.NoError(t, err)

	tokens := decodeAll(t, rs)
	assert.Equal(t, []sse.Token{{Text: "Hel"}, {Text: "lo"}, {Terminal: true}}, tokens)

	assert.True(t, got.Stream)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "sys"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "hello"}, got.Messages[1])
}

func TestStreamCompletion_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server error", http.StatusBadGateway, ErrUnavailable},
		{"bad request", http.StatusBadRequest, ErrUnrecoverable},
		{"not found", http.StatusNotFound, ErrUnrecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			for _, id := range []string{Gemini, OpenAI, Groq, OpenRouter} {
				a, err := newTestRegistry(t, srv).Get(id)
				require.NoError(t, err)

				rs, err := a.StreamCompletion(context.Background(), "k", "m", []Turn{{Role: models.RoleUser, Content: "x"}}, "")
				assert.Nil(t, rs, id)
				require.Error(t, err, id)
				assert.ErrorIs(t, err, tt.sentinel, id)
				assert.Contains(t, err.Error(), "nope")
			}
		})
	}
}

func TestRateLimitError_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(Groq)
	require.NoError(t, err)

	_, err = a.StreamCompletion(context.Background(), "k", "m", nil, "")
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, Groq, rl.Provider)
	assert.Equal(t, "7s", rl.RetryAfter.String())
}

func TestStreamCompletion_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r, err := NewDefaultRegistry(HTTPOptions{}, map[string]string{OpenAI: url})
	require.NoError(t, err)
	a, err := r.Get(OpenAI)
	require.NoError(t, err)

	_, err = a.StreamCompletion(context.Background(), "k", "m", nil, "")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Zero(t, ue.Status)
}

func TestMissingCredential(t *testing.T) {
	r, err := NewDefaultRegistry(HTTPOptions{}, nil)
	require.NoError(t, err)
	for _, p := range r.Providers() {
		a, _ := r.Get(p.ID)
		_, err := a.ListModels(context.Background(), "")
		assert.ErrorIs(t, err, ErrAuth, p.ID)
		_, err = a.StreamCompletion(context.Background(), "", "m", nil, "")
		assert.ErrorIs(t, err, ErrAuth, p.ID)
	}
}

func TestGemini_InvalidKeyIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(Gemini)
	require.NoError(t, err)

	_, err = a.ListModels(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGemini_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"models":[
			{"name":"models/gemini-2.5-pro","displayName":"Gemini 2.5 Pro","inputTokenLimit":1048576,"supportedGenerationMethods":["generateContent"]},
			{"name":"models/text-embedding-004","supportedGenerationMethods":["embedContent"]},
			{"name":"models/gemini-2.0-flash","displayName":"Gemini 2.0 Flash","supportedGenerationMethods":["generateContent","countTokens"]},
			{"name":"models/gemma-3-27b-it","supportedGenerationMethods":["generateContent"]},
			{"name":"models/gemini-1.5-flash","displayName":"Gemini 1.5 Flash","supportedGenerationMethods":["generateContent"]}
		]}`)
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(Gemini)
	require.NoError(t, err)

	got, err := a.ListModels(context.Background(), "g-key")
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
		assert.Equal(t, Gemini, m.ProviderID)
	}
	assert.Equal(t, []string{"gemini-1.5-flash", "gemini-2.0-flash", "gemini-2.5-pro", "gemma-3-27b-it"}, ids)
	require.NotNil(t, got[2].ContextLength)
	assert.Equal(t, 1048576, *got[2].ContextLength)
	assert.Equal(t, "gemma-3-27b-it", got[3].DisplayName)
}

func TestOpenAI_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer o-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[
			{"id":"gpt-4o"},
			{"id":"whisper-1"},
			{"id":"gpt-4o-mini","context_length":128000},
			{"id":"llama-3.1-8b-instant","context_window":131072},
			{"id":"text-embedding-3-small"},
			{"id":"tts-1"}
		]}`)
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(OpenAI)
	require.NoError(t, err)

	got, err := a.ListModels(context.Background(), "o-key")
	require.NoError(t, err)

	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"gpt-4o-mini", "llama-3.1-8b-instant", "gpt-4o"}, ids)
	assert.Equal(t, 128000, *got[0].ContextLength)
	assert.Equal(t, 131072, *got[1].ContextLength)
	assert.Nil(t, got[2].ContextLength)
}

func TestOpenRouter_VendorHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "polychat", r.Header.Get("X-Title"))
		assert.True(t, strings.HasPrefix(r.Header.Get("HTTP-Referer"), "https://"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":"openai/gpt-4o-mini","name":"GPT-4o mini","context_length":128000}]}`)
	}))
	defer srv.Close()

	a, err := newTestRegistry(t, srv).Get(OpenRouter)
	require.NoError(t, err)

	got, err := a.ListModels(context.Background(), "r-key")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "GPT-4o mini", got[0].DisplayName)
}

func TestDialects_ChunkBoundaryInvariance(t *testing.T) {
	tests := []struct {
		name    string
		dialect sse.Dialect
		body    string
	}{
		{
			name:    "candidates",
			dialect: candidatesDialect,
			body: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Grüß \"}]}}]}\n\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"日本語\"}]}}]}\n\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"!\"}]},\"finishReason\":\"STOP\"}]}\n\n",
		},
		{
			name:    "choices",
			dialect: choicesDialect,
			body: "data: {\"choices\":[{\"delta\":{\"content\":\"Grüß \"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"日本語\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"!\"},\"finish_reason\":\"stop\"}]}\n\n" +
				"data: [DONE]\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole := decodeAll(t, &RawStream{Body: io.NopCloser(strings.NewReader(tt.body)), Dialect: tt.dialect})
			require.Equal(t, []sse.Token{{Text: "Grüß "}, {Text: "日本語"}, {Text: "!", Terminal: true}}, whole)

			for size := 1; size < 16; size++ {
				got := decodeAll(t, &RawStream{Body: io.NopCloser(&sizedReader{s: tt.body, n: size}), Dialect: tt.dialect})
				if diff := cmp.Diff(whole, got); diff != "" {
					t.Fatalf("chunk size %d (-want +got):\n%s", size, diff)
				}
			}
		})
	}
}

type sizedReader struct {
	s string
	n int
}

func (r *sizedReader) Read(p []byte) (int, error) {
	if r.s == "" {
		return 0, io.EOF
	}
	n := min(r.n, len(r.s), len(p))
	copy(p, r.s[:n])
	r.s = r.s[n:]
	return n, nil
}
