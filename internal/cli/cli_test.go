package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/session"
)

func streaming(convID, text string) session.State {
	return session.State{Turns: map[string]session.TurnState{
		convID: {ConversationID: convID, Phase: session.PhaseStreaming, Text: text},
	}}
}

func TestPlainWriter_PrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	pw := &plainWriter{w: &buf}

	pw.observe(session.State{})
	pw.observe(session.State{Turns: map[string]session.TurnState{
		"c1": {ConversationID: "c1", Phase: session.PhaseAwaitingFirstToken},
	}})
	pw.observe(streaming("c1", "Hel"))
	pw.observe(streaming("c1", "Hello"))
	pw.observe(streaming("c1", "Hello"))
	pw.observe(streaming("c1", "Hello, world"))
	pw.finish()

	assert.Equal(t, "Hello, world\n", buf.String())
	assert.Equal(t, "c1", pw.convID)
}

func TestPlainWriter_IgnoresOtherConversations(t *testing.T) {
	var buf bytes.Buffer
	pw := &plainWriter{w: &buf, convID: "mine"}

	pw.observe(streaming("other", "not for me"))
	pw.observe(streaming("mine", "ok"))
	pw.finish()

	assert.Equal(t, "ok\n", buf.String())
}

func TestPlainWriter_NoTrailingNewlineWithoutOutput(t *testing.T) {
	var buf bytes.Buffer
	pw := &plainWriter{w: &buf}
	pw.finish()
	assert.Empty(t, buf.String())
}

func TestCurrentTurn(t *testing.T) {
	st := streaming("c1", "x")

	turn, ok := currentTurn(st, "")
	require.True(t, ok)
	assert.Equal(t, "c1", turn.ConversationID)

	_, ok = currentTurn(st, "c2")
	assert.False(t, ok)

	_, ok = currentTurn(session.State{}, "")
	assert.False(t, ok)
}

func TestContextGauge(t *testing.T) {
	g := newContextGauge()
	assert.Equal(t, defaultContextLength, g.limit)

	limit := 1000
	g.setModel(&models.Model{ID: "m", ContextLength: &limit})
	assert.Equal(t, 1000, g.limit)

	g.setUsage(2000)
	assert.Equal(t, 500, g.used)
	assert.InDelta(t, 0.5, g.percent(), 0.001)

	g.setUsage(40000)
	assert.InDelta(t, 1.0, g.percent(), 0.001, "percent is capped")

	g.setModel(nil)
	assert.Equal(t, defaultContextLength, g.limit)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(0))
	assert.Equal(t, 1, estimateTokens(1))
	assert.Equal(t, 1, estimateTokens(4))
	assert.Equal(t, 2, estimateTokens(5))
}

func TestHumanTokens(t *testing.T) {
	assert.Equal(t, "512", humanTokens(512))
	assert.Equal(t, "8.2k", humanTokens(8192))
	assert.Equal(t, "1.0M", humanTokens(1_000_000))
}

func TestParseOnOff(t *testing.T) {
	for _, in := range []string{"on", "ON", "true", "yes", "1"} {
		v, err := parseOnOff(in)
		require.NoError(t, err, in)
		assert.True(t, v, in)
	}
	for _, in := range []string{"off", "false", "no", "0"} {
		v, err := parseOnOff(in)
		require.NoError(t, err, in)
		assert.False(t, v, in)
	}
	_, err := parseOnOff("maybe")
	assert.Error(t, err)
}

func TestRejected(t *testing.T) {
	assert.True(t, rejected(session.ErrNoProvider))
	assert.True(t, rejected(fmt.Errorf("%w: c1", session.ErrTurnInFlight)))
	assert.True(t, rejected(fmt.Errorf("%w: %q", provider.ErrUnknownProvider, "x")))
	assert.False(t, rejected(provider.ErrRateLimited))
	assert.False(t, rejected(errors.New("boom")))
}

func TestStateRelay_DeliversLatest(t *testing.T) {
	relay := newStateRelay()
	got := make(chan tea.Msg, 8)

	relay.publish(session.State{Version: 1})
	relay.publish(session.State{Version: 2})
	go relay.run(func(m tea.Msg) { got <- m })
	defer relay.stop()

	select {
	case m := <-got:
		assert.Equal(t, int64(2), session.State(m.(stateMsg)).Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no state delivered")
	}

	relay.publish(session.State{Version: 3})
	select {
	case m := <-got:
		assert.Equal(t, int64(3), session.State(m.(stateMsg)).Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no state delivered")
	}
}

func TestChatModel_Keys(t *testing.T) {
	m := chatModel{theme: defaultTheme, gauge: newContextGauge()}

	next, _ := m.handleKey(tea.KeyPressMsg{Text: "h", Code: 'h'})
	next, _ = next.(chatModel).handleKey(tea.KeyPressMsg{Text: "i", Code: 'i'})
	cm := next.(chatModel)
	assert.Equal(t, "hi", string(cm.input))

	next, _ = cm.handleKey(tea.KeyPressMsg{Code: tea.KeyBackspace})
	assert.Equal(t, "h", string(next.(chatModel).input))
}

func TestChatModel_TurnDone(t *testing.T) {
	m := chatModel{theme: defaultTheme, gauge: newContextGauge(), busy: true}

	next, _ := m.Update(turnDoneMsg{msg: &models.Message{ConversationID: "c1", Content: "answer"}})
	cm := next.(chatModel)
	assert.False(t, cm.busy)
	assert.Equal(t, "c1", cm.convID)
	require.Len(t, cm.lines, 1)
	assert.Equal(t, lineAssistant, cm.lines[0].kind)

	cm.busy = true
	next, _ = cm.Update(turnDoneMsg{err: session.ErrCancelled})
	cm = next.(chatModel)
	assert.Equal(t, lineHint, cm.lines[len(cm.lines)-1].kind)

	// Failures after the turn started arrive as notices instead.
	cm.busy = true
	n := len(cm.lines)
	next, _ = cm.Update(turnDoneMsg{err: provider.ErrRateLimited})
	assert.Len(t, next.(chatModel).lines, n)
}

func TestChatModel_NoticesShownOnce(t *testing.T) {
	m := chatModel{theme: defaultTheme, gauge: newContextGauge()}
	st := session.State{Notices: []session.Notice{{Seq: 1, Level: session.NoticeWarning, Text: "search failed"}}}

	next, _ := m.Update(stateMsg(st))
	next, _ = next.(chatModel).Update(stateMsg(st))
	cm := next.(chatModel)

	require.Len(t, cm.lines, 1)
	assert.Equal(t, "search failed", cm.lines[0].text)
	assert.Equal(t, session.NoticeWarning, cm.lines[0].level)
}
