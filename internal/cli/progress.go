package cli

import (
	"fmt"

	"charm.land/bubbles/v2/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/session"
)

// defaultContextLength is assumed when a provider does not report one.
const defaultContextLength = 8192

// Theme holds the color scheme for the chat display.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Status    lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

var defaultTheme = Theme{
	User:      lipgloss.Color("#D7AF5F"), // amber
	Assistant: lipgloss.Color("#E4E4E4"),
	Status:    lipgloss.Color("#5FAFD7"), // light blue
	Success:   lipgloss.Color("#00D787"), // green
	Warning:   lipgloss.Color("#FFAF00"),
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t Theme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant)
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) noticeStyle(level session.NoticeLevel) lipgloss.Style {
	switch level {
	case session.NoticeError:
		return t.errorStyle()
	case session.NoticeWarning:
		return t.warningStyle()
	}
	return t.statusStyle()
}

// contextGauge shows how much of the model's context window the
// conversation roughly occupies.
type contextGauge struct {
	bar   progress.Model
	used  int
	limit int
}

func newContextGauge() contextGauge {
	return contextGauge{
		bar: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(30),
		),
		limit: defaultContextLength,
	}
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(chars int) int {
	return (chars + 3) / 4
}

// setModel updates the window size from the selected model's metadata.
func (g *contextGauge) setModel(m *models.Model) {
	g.limit = defaultContextLength
	if m != nil && m.ContextLength != nil && *m.ContextLength > 0 {
		g.limit = *m.ContextLength
	}
}

// setUsage records the approximate number of characters in the conversation.
func (g *contextGauge) setUsage(chars int) {
	g.used = estimateTokens(chars)
}

func (g contextGauge) percent() float64 {
	if g.limit <= 0 {
		return 0
	}
	pct := float64(g.used) / float64(g.limit)
	if pct > 1 {
		pct = 1
	}
	return pct
}

func (g contextGauge) view() string {
	return fmt.Sprintf("%s %s/%s tokens", g.bar.ViewAs(g.percent()), humanTokens(g.used), humanTokens(g.limit))
}

func humanTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
