package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/session"
)

const chatHelp = `/provider <id>   switch provider
/model <id>      switch model
/mode <name>     switch prompt mode
/memory          toggle memory
/web on|off      toggle web grounding
/new             start a new conversation
/help            show this help`

// historyReader loads committed messages of a conversation.
type historyReader interface {
	Messages(ctx context.Context, convID string) ([]models.Message, error)
}

type lineKind int

const (
	lineUser lineKind = iota
	lineAssistant
	lineNotice
	lineHint
)

type chatLine struct {
	kind  lineKind
	level session.NoticeLevel
	text  string
}

// stateMsg carries a new session snapshot.
type stateMsg session.State

// turnDoneMsg reports the end of SendTurn.
type turnDoneMsg struct {
	msg *models.Message
	err error
}

// commandDoneMsg reports the result of a slash command.
type commandDoneMsg struct {
	text string
	err  error
}

// historyMsg carries the messages of a resumed conversation.
type historyMsg struct {
	messages []models.Message
	err      error
}

// chatModel is the bubbletea model for an interactive conversation.
type chatModel struct {
	ctx    context.Context
	orch   *session.Orchestrator
	reader historyReader
	theme  Theme

	convID  string
	lines   []chatLine
	input   []rune
	state   session.State
	lastSeq int64
	busy    bool
	gauge   contextGauge
	width   int

	quitting bool
}

func newChatModel(ctx context.Context, orch *session.Orchestrator, reader historyReader, convID string) chatModel {
	st := orch.State().Snapshot()
	m := chatModel{
		ctx:    ctx,
		orch:   orch,
		reader: reader,
		theme:  defaultTheme,
		convID: convID,
		state:  st,
		gauge:  newContextGauge(),
	}
	// Notices from before the UI opened are not replayed.
	if n := len(st.Notices); n > 0 {
		m.lastSeq = st.Notices[n-1].Seq
	}
	m.gauge.setModel(m.selectedModel())
	return m
}

// Init loads the conversation history when resuming.
func (m chatModel) Init() tea.Cmd {
	if m.convID == "" || m.reader == nil {
		return nil
	}
	convID := m.convID
	return func() tea.Msg {
		msgs, err := m.reader.Messages(m.ctx, convID)
		return historyMsg{messages: msgs, err: err}
	}
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case historyMsg:
		if msg.err != nil {
			m.notice(session.NoticeError, fmt.Sprintf("load history: %v", msg.err))
			break
		}
		for _, hm := range msg.messages {
			switch hm.Role {
			case models.RoleUser:
				m.lines = append(m.lines, chatLine{kind: lineUser, text: hm.Content})
			case models.RoleAssistant:
				m.lines = append(m.lines, chatLine{kind: lineAssistant, text: hm.Content})
			}
		}
		m.updateGauge()

	case stateMsg:
		m.applyState(session.State(msg))

	case turnDoneMsg:
		m.busy = false
		switch {
		case msg.err == nil:
			m.convID = msg.msg.ConversationID
			m.lines = append(m.lines, chatLine{kind: lineAssistant, text: msg.msg.Content})
			if msg.msg.Export != nil {
				m.hint("export queued: " + msg.msg.Export.Path)
			}
		case errors.Is(msg.err, session.ErrCancelled):
			m.hint("cancelled")
		case rejected(msg.err):
			m.notice(session.NoticeError, msg.err.Error())
		}
		m.updateGauge()

	case commandDoneMsg:
		if msg.err != nil {
			m.notice(session.NoticeError, msg.err.Error())
		} else if msg.text != "" {
			m.hint(msg.text)
		}
	}
	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.busy {
			if id := m.turnID(); id != "" {
				m.orch.Cancel(id)
			}
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit

	case "enter":
		text := strings.TrimSpace(string(m.input))
		if text == "" {
			return m, nil
		}
		m.input = m.input[:0]
		if strings.HasPrefix(text, "/") {
			return m.runCommand(text)
		}
		if m.busy {
			m.hint("still answering; press Ctrl+C to cancel")
			return m, nil
		}
		m.busy = true
		m.lines = append(m.lines, chatLine{kind: lineUser, text: text})
		m.updateGauge()
		return m, m.sendTurn(text)

	case "backspace":
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil
	}

	if msg.Text != "" {
		m.input = append(m.input, []rune(msg.Text)...)
	}
	return m, nil
}

// sendTurn runs SendTurn off the update loop; state arrives via the relay.
func (m chatModel) sendTurn(text string) tea.Cmd {
	convID := m.convID
	return func() tea.Msg {
		msg, err := m.orch.SendTurn(m.ctx, convID, text)
		return turnDoneMsg{msg: msg, err: err}
	}
}

func (m chatModel) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	arg := strings.Join(args, " ")
	ctx := m.ctx
	orch := m.orch

	switch name {
	case "/help":
		m.hint(chatHelp)
		return m, nil
	case "/new":
		if m.busy {
			m.hint("still answering; press Ctrl+C to cancel")
			return m, nil
		}
		m.convID = ""
		m.lines = nil
		m.updateGauge()
		m.hint("new conversation")
		return m, nil
	case "/provider":
		return m, func() tea.Msg {
			list, err := orch.SelectProvider(ctx, arg)
			if err != nil {
				return commandDoneMsg{err: err}
			}
			return commandDoneMsg{text: fmt.Sprintf("provider %s (%d models)", arg, len(list))}
		}
	case "/model":
		return m, func() tea.Msg {
			if err := orch.SelectModel(ctx, arg); err != nil {
				return commandDoneMsg{err: err}
			}
			return commandDoneMsg{text: "model " + arg}
		}
	case "/mode":
		return m, func() tea.Msg {
			if err := orch.SetPromptMode(ctx, arg); err != nil {
				return commandDoneMsg{err: err}
			}
			return commandDoneMsg{text: "mode " + arg}
		}
	case "/memory":
		return m, func() tea.Msg {
			on, err := orch.ToggleMemory(ctx)
			if err != nil {
				return commandDoneMsg{err: err}
			}
			return commandDoneMsg{text: "memory " + onOff(on)}
		}
	case "/web":
		on := arg != "off"
		return m, func() tea.Msg {
			if err := orch.SetWebGrounding(ctx, on); err != nil {
				return commandDoneMsg{err: err}
			}
			return commandDoneMsg{text: "web grounding " + onOff(on)}
		}
	}
	m.hint(fmt.Sprintf("unknown command %s, try /help", name))
	return m, nil
}

func (m *chatModel) applyState(st session.State) {
	m.state = st
	for _, n := range st.Notices {
		if n.Seq <= m.lastSeq {
			continue
		}
		m.lastSeq = n.Seq
		m.notice(n.Level, n.Text)
	}
	m.gauge.setModel(m.selectedModel())
	m.updateGauge()
}

// turnID is the conversation of the turn in flight.
func (m chatModel) turnID() string {
	if m.convID != "" {
		return m.convID
	}
	if t, ok := currentTurn(m.state, ""); ok {
		return t.ConversationID
	}
	return ""
}

func (m chatModel) liveTurn() (session.TurnState, bool) {
	if !m.busy {
		return session.TurnState{}, false
	}
	return currentTurn(m.state, m.convID)
}

func (m chatModel) selectedModel() *models.Model {
	for i := range m.state.Models {
		if m.state.Models[i].ID == m.state.ModelID {
			return &m.state.Models[i]
		}
	}
	return nil
}

func (m *chatModel) updateGauge() {
	chars := 0
	for _, l := range m.lines {
		if l.kind == lineUser || l.kind == lineAssistant {
			chars += len(l.text)
		}
	}
	if t, ok := m.liveTurn(); ok {
		chars += len(t.Text)
	}
	m.gauge.setUsage(chars)
}

func (m *chatModel) notice(level session.NoticeLevel, text string) {
	m.lines = append(m.lines, chatLine{kind: lineNotice, level: level, text: text})
}

func (m *chatModel) hint(text string) {
	m.lines = append(m.lines, chatLine{kind: lineHint, text: text})
}

// View renders the conversation.
func (m chatModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m chatModel) renderContent() string {
	if m.quitting {
		if m.convID != "" {
			return m.theme.hintStyle().Render(fmt.Sprintf("Conversation %s saved.\n", m.convID))
		}
		return ""
	}

	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(m.renderLine(l))
		b.WriteString("\n")
	}

	if t, ok := m.liveTurn(); ok {
		switch t.Phase {
		case session.PhaseStreaming, session.PhaseSettling:
			b.WriteString(m.wrap(m.theme.assistantStyle()).Render(t.Text))
			b.WriteString("\n")
		case session.PhaseIdle:
		default:
			b.WriteString(m.theme.statusStyle().Render(phaseLabel(t.Phase)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.theme.userStyle().Render("> "))
	b.WriteString(string(m.input))
	b.WriteString("\n")
	b.WriteString(m.theme.hintStyle().Render("Enter to send, /help for commands, Ctrl+C to cancel or quit"))
	b.WriteString("\n")
	return b.String()
}

func (m chatModel) renderLine(l chatLine) string {
	switch l.kind {
	case lineUser:
		return m.theme.userStyle().Render("you: ") + m.wrap(lipgloss.NewStyle()).Render(l.text)
	case lineAssistant:
		return m.wrap(m.theme.assistantStyle()).Render(l.text)
	case lineNotice:
		return m.theme.noticeStyle(l.level).Render(fmt.Sprintf("[%s] %s", l.level, l.text))
	}
	return m.theme.hintStyle().Render(l.text)
}

func (m chatModel) wrap(s lipgloss.Style) lipgloss.Style {
	if m.width > 0 {
		return s.Width(m.width)
	}
	return s
}

func (m chatModel) statusLine() string {
	st := m.state
	model := st.ModelID
	if model == "" {
		model = "no model"
	}
	flags := []string{"mode " + st.PromptMode, "memory " + onOff(st.MemoryEnabled), "web " + onOff(st.WebGrounding)}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s/%s]", st.ProviderID, model))
	return fmt.Sprintf("%s %s %s", status, m.gauge.view(), m.theme.hintStyle().Render(strings.Join(flags, ", ")))
}

// rejected reports errors returned before a turn starts. Later failures
// arrive as notices.
func rejected(err error) bool {
	for _, target := range []error{
		session.ErrEmptyInput, session.ErrNoProvider, session.ErrNoModel,
		session.ErrTurnInFlight, provider.ErrUnknownProvider,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func phaseLabel(p session.Phase) string {
	switch p {
	case session.PhaseComposingPrompt:
		return "composing prompt..."
	case session.PhaseAwaitingFirstToken:
		return "waiting for the model..."
	case session.PhaseFailed:
		return "failed"
	}
	return string(p)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// stateRelay forwards snapshots to the program without blocking the
// publisher. Only the newest snapshot is kept; Text is cumulative so
// dropping intermediate ones loses nothing.
type stateRelay struct {
	mu     sync.Mutex
	latest *session.State
	wake   chan struct{}
	done   chan struct{}
}

func newStateRelay() *stateRelay {
	return &stateRelay{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (r *stateRelay) publish(st session.State) {
	r.mu.Lock()
	r.latest = &st
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *stateRelay) run(send func(tea.Msg)) {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		r.mu.Lock()
		st := r.latest
		r.latest = nil
		r.mu.Unlock()
		if st != nil {
			send(stateMsg(*st))
		}
	}
}

func (r *stateRelay) stop() {
	close(r.done)
}

// runChatUI runs the interactive chat until the user quits.
func runChatUI(ctx context.Context, orch *session.Orchestrator, convID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newChatModel(ctx, orch, application.Persist, convID)
	p := tea.NewProgram(model)

	relay := newStateRelay()
	unsubscribe := orch.Subscribe(relay.publish)
	go relay.run(p.Send)
	defer func() {
		unsubscribe()
		relay.stop()
	}()

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	return nil
}
