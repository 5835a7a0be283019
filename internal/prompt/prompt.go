// Package prompt composes the system prompt sent with every turn.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/polychat/internal/models"
)

// Prompt modes shipped by default. Additional modes may be configured.
const (
	ModeDefault = "default"
	ModeConcise = "concise"
	ModeCoder   = "coder"
	ModeTutor   = "tutor"
)

// DefaultPersonas holds the base persona text per prompt mode.
var DefaultPersonas = map[string]string{
	ModeDefault: `You are a helpful, knowledgeable assistant. Answer clearly and accurately.
Use Markdown formatting when it improves readability. If you are unsure, say so instead of guessing.`,
	ModeConcise: `You are a concise assistant. Give the shortest answer that fully addresses the question.
Avoid preamble and repetition. Use bullet points for lists.`,
	ModeCoder: `You are an expert software engineer. Provide correct, idiomatic code in fenced code blocks
with the language tag. Explain trade-offs briefly and point out edge cases.`,
	ModeTutor: `You are a patient tutor. Explain concepts step by step, check understanding with a short
question at the end, and adapt the level of detail to the learner.`,
}

// Input carries everything needed to build a system prompt.
type Input struct {
	Mode         string
	Personas     map[string]string // overrides DefaultPersonas per mode
	ModelID      string
	ProviderName string

	// Web is included only when non-nil.
	Web *models.WebSearchResult

	MemoryEnabled bool
	Memories      []models.Memory
}

// Compose builds the effective system prompt: the persona for the mode,
// a self-identification line, an optional grounding block and optional
// memory facts.
func Compose(in Input) string {
	var b strings.Builder
	b.WriteString(persona(in.Mode, in.Personas))

	if in.ModelID != "" {
		fmt.Fprintf(&b, "\n\nYou are running as the model %q provided by %s.", in.ModelID, in.ProviderName)
	}

	if in.Web != nil && len(in.Web.Sources) > 0 {
		b.WriteString("\n\n")
		b.WriteString(groundingBlock(in.Web))
	}

	if in.MemoryEnabled {
		if facts := memoryBlock(in.Memories); facts != "" {
			b.WriteString("\n\n")
			b.WriteString(facts)
		}
	}

	return b.String()
}

// Modes lists the known modes, defaults first.
func Modes(overrides map[string]string) []string {
	out := []string{ModeDefault, ModeConcise, ModeCoder, ModeTutor}
	for mode := range overrides {
		if _, ok := DefaultPersonas[mode]; !ok {
			out = append(out, mode)
		}
	}
	return out
}

func persona(mode string, overrides map[string]string) string {
	if p, ok := overrides[mode]; ok && p != "" {
		return strings.TrimSpace(p)
	}
	if p, ok := DefaultPersonas[mode]; ok {
		return p
	}
	if p, ok := overrides[ModeDefault]; ok && p != "" {
		return strings.TrimSpace(p)
	}
	return DefaultPersonas[ModeDefault]
}

func groundingBlock(web *models.WebSearchResult) string {
	var b strings.Builder
	b.WriteString("## Web search results\n")
	fmt.Fprintf(&b, "Query: %q (retrieved %s)\n\n", web.Query, web.FetchedAt.UTC().Format(time.DateOnly))

	for i, src := range web.Sources {
		trust := src.Trust
		if trust == "" {
			trust = models.TrustThirdParty
		}
		fmt.Fprintf(&b, "%d. [%s] %s - %s\n", i+1, trust, src.Title, src.URL)
		if src.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", src.Snippet)
		}
	}

	b.WriteString(`
Instructions for using these results:
- Sources tagged [authoritative] are government or institutional sites. Prefer them whenever sources disagree.
- Sources tagged [third-party] are unverified. Attribute claims from them explicitly.
- Never present a date, deadline or schedule as fact unless an [authoritative] source states it. Otherwise say it is unconfirmed.
- Cite sources by their number. If the results do not answer the question, say so.`)
	return b.String()
}

func memoryBlock(memories []models.Memory) string {
	var lines []string
	for _, m := range memories {
		if !m.Enabled {
			continue
		}
		if m.Type == models.MemoryFact || m.Title == "" || m.Title == m.Content {
			lines = append(lines, "- "+m.Content)
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Title, m.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## What you know about the user\n" + strings.Join(lines, "\n")
}
