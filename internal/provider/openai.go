package provider

import (
	"context"
	"encoding/json"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/sse"
)

// openAIAdapter serves every vendor exposing the OpenAI chat completions
// surface (OpenAI, Groq, OpenRouter).
type openAIAdapter struct {
	info  models.Provider
	http  *httpClient
	extra map[string]string
}

// vendorHeaders are sent in addition to the bearer token.
var vendorHeaders = map[string]map[string]string{
	OpenRouter: {"HTTP-Referer": "https://github.com/raphaelgruber/polychat", "X-Title": "polychat"},
}

func newOpenAIAdapter(info models.Provider, c *httpClient) *openAIAdapter {
	return &openAIAdapter{info: info, http: c, extra: vendorHeaders[info.ID]}
}

func (a *openAIAdapter) Info() models.Provider { return a.info }

func (a *openAIAdapter) headers(cred models.Credential) map[string]string {
	h := make(map[string]string, len(a.extra)+1)
	for k, v := range a.extra {
		h[k] = v
	}
	if cred != "" {
		h["Authorization"] = "Bearer " + cred.Secret()
	}
	return h
}

type openAIModelList struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		ContextWindow int    `json:"context_window"`
	} `json:"data"`
}

func (a *openAIAdapter) ListModels(ctx context.Context, cred models.Credential) ([]models.Model, error) {
	if cred == "" && a.info.RequiresCredential {
		return nil, &AuthError{Provider: a.info.ID, Message: ErrMissingCredential.Error()}
	}

	var resp openAIModelList
	if err := a.http.getJSON(ctx, request{
		provider: a.info.ID,
		url:      a.info.BaseURL + "/models",
		headers:  a.headers(cred),
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]models.Model, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.ID == "" || !isChatModel(d.ID) {
			continue
		}
		m := models.Model{ID: d.ID, ProviderID: a.info.ID, DisplayName: d.Name}
		if m.DisplayName == "" {
			m.DisplayName = d.ID
		}
		limit := d.ContextLength
		if limit == 0 {
			limit = d.ContextWindow
		}
		if limit > 0 {
			m.ContextLength = &limit
		}
		out = append(out, m)
	}
	return rankModels(out, openAITiers), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (a *openAIAdapter) StreamCompletion(ctx context.Context, cred models.Credential, modelID string, turns []Turn, systemPrompt string) (*RawStream, error) {
	if cred == "" && a.info.RequiresCredential {
		return nil, &AuthError{Provider: a.info.ID, Message: ErrMissingCredential.Error()}
	}

	body := chatRequest{Model: modelID, Stream: true, Messages: make([]chatMessage, 0, len(turns)+1)}
	if systemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: string(models.RoleSystem), Content: systemPrompt})
	}
	for _, t := range turns {
		body.Messages = append(body.Messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}

	stream, err := a.http.postStream(ctx, request{
		provider: a.info.ID,
		url:      a.info.BaseURL + "/chat/completions",
		headers:  a.headers(cred),
		body:     body,
	})
	if err != nil {
		return nil, err
	}
	return &RawStream{Body: stream, Dialect: choicesDialect}, nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// choicesDialect reads choices[0].delta.content; a non-null finish_reason
// marks the terminal frame.
func choicesDialect(payload []byte) (sse.Token, bool, error) {
	var chunk chatChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return sse.Token{}, false, err
	}
	if len(chunk.Choices) == 0 {
		return sse.Token{}, false, nil
	}

	c := chunk.Choices[0]
	var tok sse.Token
	if c.Delta.Content != nil {
		tok.Text = *c.Delta.Content
	}
	if c.FinishReason != nil && *c.FinishReason != "" {
		tok.Terminal = true
	}
	return tok, tok.Text != "" || tok.Terminal, nil
}
