// Package intent classifies user text into memory-capture and export intents.
// Matching is pure and has no side effects.
package intent

import (
	"regexp"
	"strings"

	"github.com/raphaelgruber/polychat/internal/models"
)

// Intent is the result of Detect. It is one of NoMatch, MemoryCapture or ExportIntent.
type Intent interface {
	isIntent()
}

// NoMatch means the text carries no recognised intent.
type NoMatch struct{}

// MemoryCapture is a fact the user asked to be remembered.
type MemoryCapture struct {
	Title   string
	Content string
	Kind    models.MemoryType
}

// ExportIntent means the user asked for the answer as a document.
type ExportIntent struct{}

func (NoMatch) isIntent()       {}
func (MemoryCapture) isIntent() {}
func (ExportIntent) isIntent()  {}

// titleWords is the number of leading words used as the title of a free-form fact.
const titleWords = 6

type memoryRule struct {
	re    *regexp.Regexp
	kind  models.MemoryType
	title string // empty: derive from content
}

// Rules are tried in order; the first match wins.
var memoryRules = []memoryRule{
	{re: regexp.MustCompile(`(?is)^\s*(?:please\s+)?remember\s+(?:that\s+|this\s*:\s*|this\s+)?(.+)$`), kind: models.MemoryFact},
	{re: regexp.MustCompile(`(?is)^\s*(?:please\s+)?save\s+(.+?)\s+(?:to|in|into)\s+(?:my\s+|your\s+)?memory\W*$`), kind: models.MemoryFact},
	{re: regexp.MustCompile(`(?i)\bmy name is\s+([^.,!?;\n]+)`), kind: models.MemoryProfileFact, title: "Name"},
	{re: regexp.MustCompile(`(?i)\bcall me\s+([^.,!?;\n]+)`), kind: models.MemoryProfileFact, title: "Name"},
	{re: regexp.MustCompile(`(?i)\bi live in\s+([^.!?;\n]+)`), kind: models.MemoryProfileFact, title: "Location"},
	{re: regexp.MustCompile(`(?i)\bi work as\s+(?:an?\s+)?([^.,!?;\n]+)`), kind: models.MemoryProfileFact, title: "Occupation"},
	// Preferences only count as a sentence of their own: "What do I like?" is not one.
	{re: regexp.MustCompile(`(?im)(?:^\s*|[.!;]\s+)i (?:prefer|like)\s+([^.!?;\n]+)`), kind: models.MemoryPreference, title: "Preference"},
}

var exportRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bexport\s+(?:this|it|that)\s+(?:as|to)\s+(?:an?\s+)?pdf\b`),
	regexp.MustCompile(`(?i)\bsave\s+(?:this\s+|it\s+|that\s+)?as\s+(?:an?\s+)?pdf\b`),
	regexp.MustCompile(`(?i)\bdownload\s+(?:this|it|that)\b`),
	regexp.MustCompile(`(?i)\bmake\s+(?:this\s+|it\s+)?(?:into\s+)?an?\s+pdf\b`),
}

// Detect returns the first intent found in text. Memory capture takes
// precedence over export when both match. Turns use MatchMemory and
// MatchExport instead, since one message may carry both.
func Detect(text string) Intent {
	if m, ok := MatchMemory(text); ok {
		return m
	}
	if MatchExport(text) {
		return ExportIntent{}
	}
	return NoMatch{}
}

// MatchMemory reports whether text asks to remember something. Questions
// never match.
func MatchMemory(text string) (MemoryCapture, bool) {
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return MemoryCapture{}, false
	}
	for _, rule := range memoryRules {
		sub := rule.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		content := cleanContent(sub[1])
		if content == "" || fillers[strings.ToLower(content)] {
			continue
		}
		title := rule.title
		if title == "" {
			title = titleFrom(content)
		}
		return MemoryCapture{Title: title, Content: content, Kind: rule.kind}, true
	}
	return MemoryCapture{}, false
}

// fillers are captures left when the trigger phrase has no object.
var fillers = map[string]bool{"that": true, "this": true, "it": true}

// MatchExport reports whether text asks for the response as a document.
func MatchExport(text string) bool {
	for _, re := range exportRules {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func cleanContent(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!?,;: ")
}

func titleFrom(content string) string {
	words := strings.Fields(content)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	return models.Truncate(strings.Join(words, " "), models.TitleMaxRunes)
}
