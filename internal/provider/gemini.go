package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/sse"
)

// geminiAdapter speaks the Generative Language REST API. The credential
// travels as the key query parameter and assistant turns use the model role.
type geminiAdapter struct {
	info models.Provider
	http *httpClient
}

func newGeminiAdapter(info models.Provider, c *httpClient) *geminiAdapter {
	return &geminiAdapter{info: info, http: c}
}

func (a *geminiAdapter) Info() models.Provider { return a.info }

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

func (a *geminiAdapter) ListModels(ctx context.Context, cred models.Credential) ([]models.Model, error) {
	if cred == "" && a.info.RequiresCredential {
		return nil, &AuthError{Provider: a.info.ID, Message: ErrMissingCredential.Error()}
	}

	var resp geminiModelList
	err := a.http.getJSON(ctx, request{
		provider: a.info.ID,
		url:      a.info.BaseURL + "/models",
		query:    map[string]string{"key": cred.Secret(), "pageSize": "1000"},
	}, &resp)
	if err != nil {
		return nil, a.remapKeyError(err)
	}

	out := make([]models.Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		if !isChatModel(id) || !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		model := models.Model{ID: id, ProviderID: a.info.ID, DisplayName: m.DisplayName}
		if model.DisplayName == "" {
			model.DisplayName = id
		}
		if m.InputTokenLimit > 0 {
			limit := m.InputTokenLimit
			model.ContextLength = &limit
		}
		out = append(out, model)
	}
	return rankModels(out, geminiTiers), nil
}

func supportsGenerate(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "generateContent" || m == "streamGenerateContent" {
			return true
		}
	}
	return false
}

type geminiRequest struct {
	Contents          []*genai.Content `json:"contents"`
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
}

func (a *geminiAdapter) StreamCompletion(ctx context.Context, cred models.Credential, modelID string, turns []Turn, systemPrompt string) (*RawStream, error) {
	if cred == "" && a.info.RequiresCredential {
		return nil, &AuthError{Provider: a.info.ID, Message: ErrMissingCredential.Error()}
	}

	body := geminiRequest{Contents: make([]*genai.Content, 0, len(turns))}
	var system []string
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}
	for _, t := range turns {
		switch t.Role {
		case models.RoleSystem:
			system = append(system, t.Content)
		case models.RoleAssistant:
			body.Contents = append(body.Contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		default:
			body.Contents = append(body.Contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(strings.Join(system, "\n\n"))}}
	}

	stream, err := a.http.postStream(ctx, request{
		provider: a.info.ID,
		url:      fmt.Sprintf("%s/models/%s:streamGenerateContent", a.info.BaseURL, modelID),
		query:    map[string]string{"alt": "sse", "key": cred.Secret()},
		body:     body,
	})
	if err != nil {
		return nil, a.remapKeyError(err)
	}
	return &RawStream{Body: stream, Dialect: candidatesDialect}, nil
}

// remapKeyError turns the 400 INVALID_ARGUMENT Gemini returns for bad keys into an AuthError.
func (a *geminiAdapter) remapKeyError(err error) error {
	var ue *UnrecoverableError
	if errors.As(err, &ue) && ue.Status == 400 && strings.Contains(strings.ToLower(ue.Message), "api key") {
		return &AuthError{Provider: a.info.ID, Status: ue.Status, Message: ue.Message}
	}
	return err
}

// candidatesDialect reads candidates[0].content.parts[0].text; a non-empty
// finishReason marks the terminal frame.
func candidatesDialect(payload []byte) (sse.Token, bool, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return sse.Token{}, false, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return sse.Token{}, false, nil
	}

	c := resp.Candidates[0]
	var tok sse.Token
	hasText := false
	if c.Content != nil && len(c.Content.Parts) > 0 && c.Content.Parts[0] != nil {
		tok.Text = c.Content.Parts[0].Text
		hasText = tok.Text != ""
	}
	if c.FinishReason != "" && c.FinishReason != genai.FinishReasonUnspecified {
		tok.Terminal = true
	}
	return tok, hasText || tok.Terminal, nil
}
