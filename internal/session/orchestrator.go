package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/polychat/internal/intent"
	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/prompt"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/sse"
)

const (
	defaultHistoryLimit  = 40
	defaultSearchTimeout = 15 * time.Second
	defaultExportTimeout = 2 * time.Minute
)

// Adapters resolves provider adapters by id.
type Adapters interface {
	Get(id string) (provider.Adapter, error)
	Providers() []models.Provider
}

// Persistence is the durable record owner used by the orchestrator.
type Persistence interface {
	CommitConversation(ctx context.Context, c models.Conversation) error
	CommitMessage(ctx context.Context, msg models.Message) (models.Message, error)
	CommitMemory(ctx context.Context, m models.Memory) error
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Messages(ctx context.Context, convID string) ([]models.Message, error)
	Memories(ctx context.Context) ([]models.Memory, error)
	Preferences(ctx context.Context) (models.Preferences, error)
	UpdatePreferences(ctx context.Context, fn func(*models.Preferences)) (models.Preferences, error)
}

// Searcher performs web-search grounding.
type Searcher interface {
	Search(ctx context.Context, query string) (*models.WebSearchResult, error)
}

// Exporter turns an assistant answer into a document.
type Exporter interface {
	Enabled() bool
	PlanRef(title string) models.ExportRef
	Export(ctx context.Context, ref models.ExportRef, body string) (models.ExportRef, error)
}

// Options configures an Orchestrator. Searcher and Exporter are optional.
type Options struct {
	Searcher Searcher
	Exporter Exporter
	Personas map[string]string
	// EnvCredentials are used when no credential is saved for a provider.
	EnvCredentials map[string]models.Credential
	HistoryLimit   int
	SearchTimeout  time.Duration
	ExportTimeout  time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

// Orchestrator runs turns against the selected provider. At most one turn
// runs per conversation; turns in different conversations may overlap.
type Orchestrator struct {
	adapters Adapters
	persist  Persistence
	state    *StateStore
	catalog  *Catalog
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	inflight map[string]*turn

	// background tracks fire-and-forget side effects.
	background sync.WaitGroup

	// streamEnded runs after the last token is read and before settling.
	streamEnded func(convID string)
}

type turn struct {
	cancel context.CancelFunc
	// settling is set once streaming ends; cancellation no longer applies.
	settling  bool
	cancelled bool
}

// New creates an orchestrator publishing to state.
func New(adapters Adapters, persist Persistence, state *StateStore, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = defaultSearchTimeout
	}
	if opts.ExportTimeout <= 0 {
		opts.ExportTimeout = defaultExportTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		adapters: adapters,
		persist:  persist,
		state:    state,
		catalog:  NewCatalog(opts.Metrics),
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]*turn),
	}
}

// State returns the state owner.
func (o *Orchestrator) State() *StateStore {
	return o.state
}

// Subscribe registers fn for state snapshots.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	return o.state.Subscribe(fn)
}

// Providers lists the registered providers.
func (o *Orchestrator) Providers() []models.Provider {
	return o.adapters.Providers()
}

// Restore seeds the session selection from stored preferences.
func (o *Orchestrator) Restore(ctx context.Context) error {
	p, err := o.persist.Preferences(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	o.applyPreferences(p)
	return nil
}

func (o *Orchestrator) applyPreferences(p models.Preferences) {
	o.state.update(func(st *State) {
		st.ProviderID = p.ProviderID
		st.ModelID = p.ModelID
		st.PromptMode = p.PromptMode
		if st.PromptMode == "" {
			st.PromptMode = prompt.ModeDefault
		}
		st.MemoryEnabled = p.MemoryOn()
		st.WebGrounding = p.WebOn()
	})
}

// SendTurn runs one turn. An empty convID starts a new conversation. It
// returns the committed assistant message.
func (o *Orchestrator) SendTurn(ctx context.Context, convID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	sel := o.state.Snapshot()
	if sel.ProviderID == "" {
		return nil, ErrNoProvider
	}
	if sel.ModelID == "" {
		return nil, ErrNoModel
	}
	adapter, err := o.adapters.Get(sel.ProviderID)
	if err != nil {
		return nil, err
	}

	isNew := convID == ""
	if isNew {
		convID = o.newID()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.begin(convID, cancel) {
		return nil, fmt.Errorf("%w: %s", ErrTurnInFlight, convID)
	}
	defer o.end(convID)

	log := o.log.With("conversation_id", convID, "provider", sel.ProviderID, "model", sel.ModelID)
	o.state.setTurn(TurnState{ConversationID: convID, Phase: PhaseComposingPrompt})

	conv, history, err := o.prepareConversation(ctx, convID, isNew, sel, text)
	if err != nil {
		return nil, o.fail(log, convID, err)
	}

	if _, err := o.persist.CommitMessage(ctx, models.Message{
		ID:             o.newID(),
		ConversationID: convID,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      o.now().UTC(),
	}); err != nil {
		return nil, o.fail(log, convID, fmt.Errorf("save user message: %w", err))
	}
	o.captureMemory(ctx, log, convID, text)

	web := o.ground(turnCtx, log, convID, sel, text)
	system := prompt.Compose(prompt.Input{
		Mode:          sel.PromptMode,
		Personas:      o.opts.Personas,
		ModelID:       sel.ModelID,
		ProviderName:  adapter.Info().DisplayName,
		Web:           web,
		MemoryEnabled: sel.MemoryEnabled,
		Memories:      o.enabledMemories(ctx, log, convID, sel),
	})

	turns := make([]provider.Turn, 0, len(history)+1)
	for _, m := range history {
		turns = append(turns, provider.Turn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, provider.Turn{Role: models.RoleUser, Content: text})

	answer, err := o.stream(turnCtx, log, adapter, convID, sel, turns, system)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			o.metrics.Inc(metrics.CountTurnsCancelled)
			o.state.clearTurn(convID)
			log.Info("turn cancelled")
			return nil, err
		}
		return nil, o.fail(log, convID, err)
	}

	msg := models.Message{
		ID:             o.newID(),
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        answer,
		CreatedAt:      o.now().UTC(),
		WebResult:      web,
	}
	if intent.MatchExport(text) {
		msg.Export = o.dispatchExport(log, convID, conv.Title, answer)
	}

	committed, err := o.persist.CommitMessage(ctx, msg)
	if err != nil {
		return nil, o.fail(log, convID, fmt.Errorf("save assistant message: %w", err))
	}

	o.metrics.Inc(metrics.CountTurnsCompleted)
	o.state.clearTurn(convID)
	log.Info("turn completed", "chars", len(answer))
	return &committed, nil
}

// prepareConversation creates or loads the conversation and returns the
// recent history to send as context.
func (o *Orchestrator) prepareConversation(ctx context.Context, convID string, isNew bool, sel State, text string) (models.Conversation, []models.Message, error) {
	if isNew {
		now := o.now().UTC()
		conv := models.Conversation{
			ID:         convID,
			Title:      models.TitleFromText(text),
			ProviderID: sel.ProviderID,
			ModelID:    sel.ModelID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := o.persist.CommitConversation(ctx, conv); err != nil {
			return models.Conversation{}, nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil, nil
	}

	conv, err := o.persist.Conversation(ctx, convID)
	if err != nil {
		return models.Conversation{}, nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.ProviderID != sel.ProviderID || conv.ModelID != sel.ModelID {
		conv.ProviderID, conv.ModelID = sel.ProviderID, sel.ModelID
		if err := o.persist.CommitConversation(ctx, conv); err != nil {
			return models.Conversation{}, nil, fmt.Errorf("update conversation: %w", err)
		}
	}
	history, err := o.persist.Messages(ctx, convID)
	if err != nil {
		return models.Conversation{}, nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(history); n > o.opts.HistoryLimit {
		history = history[n-o.opts.HistoryLimit:]
	}
	return conv, history, nil
}

// captureMemory stores a memory when the text asks for one. Failures only
// raise a notice.
func (o *Orchestrator) captureMemory(ctx context.Context, log *slog.Logger, convID, text string) {
	capture, ok := intent.MatchMemory(text)
	if !ok {
		return
	}
	mem := models.Memory{
		ID:        o.newID(),
		Type:      capture.Kind,
		Title:     capture.Title,
		Content:   capture.Content,
		Enabled:   true,
		CreatedAt: o.now().UTC(),
	}
	if err := o.persist.CommitMemory(ctx, mem); err != nil {
		log.Warn("memory capture failed", "error", err)
		o.state.notify(NoticeWarning, convID, "Could not save memory: "+err.Error())
		return
	}
	o.metrics.Inc(metrics.CountMemoriesSaved)
	log.Info("memory captured", "memory_id", mem.ID, "type", mem.Type)
	o.state.notify(NoticeInfo, convID, fmt.Sprintf("Remembered %s: %s", mem.Title, mem.Content))
}

func (o *Orchestrator) ground(ctx context.Context, log *slog.Logger, convID string, sel State, text string) *models.WebSearchResult {
	if !sel.WebGrounding || o.opts.Searcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.SearchTimeout)
	defer cancel()

	start := time.Now()
	res, err := o.opts.Searcher.Search(ctx, text)
	o.metrics.Since(metrics.OpWebSearch, start)
	if err != nil {
		log.Warn("web search failed", "error", err)
		o.state.notify(NoticeWarning, convID, "Web search unavailable, answering without it")
		return nil
	}
	if len(res.Sources) == 0 {
		return nil
	}
	return res
}

func (o *Orchestrator) enabledMemories(ctx context.Context, log *slog.Logger, convID string, sel State) []models.Memory {
	if !sel.MemoryEnabled {
		return nil
	}
	all, err := o.persist.Memories(ctx)
	if err != nil {
		log.Warn("load memories failed", "error", err)
		o.state.notify(NoticeWarning, convID, "Memories unavailable for this answer")
		return nil
	}
	return slices.DeleteFunc(all, func(m models.Memory) bool { return !m.Enabled })
}

// stream opens the completion and accumulates tokens, publishing the
// growing text after every token.
func (o *Orchestrator) stream(ctx context.Context, log *slog.Logger, adapter provider.Adapter, convID string, sel State, turns []provider.Turn, system string) (string, error) {
	o.state.setTurn(TurnState{ConversationID: convID, Phase: PhaseAwaitingFirstToken})

	cred := o.credential(ctx, sel.ProviderID)
	start := time.Now()
	raw, err := adapter.StreamCompletion(ctx, cred, sel.ModelID, turns, system)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrCancelled
		}
		return "", err
	}
	defer raw.Body.Close()

	// Closing the body unblocks a read that ignores context cancellation.
	stop := context.AfterFunc(ctx, func() { raw.Body.Close() })
	defer stop()

	dec := sse.NewDecoder(raw.Body, raw.Dialect, sse.WithDecodeErrorHook(func(e *sse.DecodeError) {
		o.metrics.Inc(metrics.CountDecodeErrors)
		log.Debug("skipped malformed frame", "line", e.Line, "error", e.Err)
	}))

	var (
		acc    strings.Builder
		tokens int
	)
	for {
		tok, err := dec.Next()
		if ctx.Err() != nil {
			return "", ErrCancelled
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &provider.UnavailableError{Provider: sel.ProviderID, Err: err}
		}
		if tok.Text == "" {
			continue
		}
		if tokens == 0 {
			o.metrics.Since(metrics.OpFirstToken, start)
		}
		tokens++
		acc.WriteString(tok.Text)
		o.state.setTurn(TurnState{ConversationID: convID, Phase: PhaseStreaming, Text: acc.String(), Tokens: tokens})
	}

	if o.streamEnded != nil {
		o.streamEnded(convID)
	}
	if !o.settle(convID) {
		return "", ErrCancelled
	}
	o.metrics.RecordStream(time.Since(start), int64(tokens))
	if acc.Len() == 0 {
		return "", ErrEmptyResponse
	}
	o.state.setTurn(TurnState{ConversationID: convID, Phase: PhaseSettling, Text: acc.String(), Tokens: tokens})
	return acc.String(), nil
}

// dispatchExport submits the answer in the background and returns the
// pending reference stored on the message.
func (o *Orchestrator) dispatchExport(log *slog.Logger, convID, title, body string) *models.ExportRef {
	if o.opts.Exporter == nil || !o.opts.Exporter.Enabled() {
		o.state.notify(NoticeWarning, convID, "Export is not configured")
		return nil
	}
	ref := o.opts.Exporter.PlanRef(title)

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.ExportTimeout)
		defer cancel()

		done, err := o.opts.Exporter.Export(ctx, ref, body)
		if err != nil {
			log.Warn("export failed", "export_id", ref.ID, "error", err)
			o.state.notify(NoticeWarning, convID, "Export failed: "+err.Error())
			return
		}
		o.state.notify(NoticeInfo, convID, "Exported to "+done.Path)
	}()
	return &ref
}

// fail publishes the failed phase and exactly one error notice, then
// returns the conversation to idle.
func (o *Orchestrator) fail(log *slog.Logger, convID string, err error) error {
	o.metrics.Inc(metrics.CountTurnsFailed)
	log.Error("turn failed", "error", err)
	o.state.setTurn(TurnState{ConversationID: convID, Phase: PhaseFailed, LastError: err.Error()})
	o.state.notify(NoticeError, convID, err.Error())
	o.state.clearTurn(convID)
	return err
}

func (o *Orchestrator) begin(convID string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[convID]; busy {
		return false
	}
	o.inflight[convID] = &turn{cancel: cancel}
	return true
}

// settle marks the end of streaming. It reports false if the turn was
// cancelled first.
func (o *Orchestrator) settle(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.inflight[convID]
	if !ok || t.cancelled {
		return false
	}
	t.settling = true
	return true
}

func (o *Orchestrator) end(convID string) {
	o.mu.Lock()
	delete(o.inflight, convID)
	o.mu.Unlock()
}

// Cancel aborts the streaming turn of a conversation. It reports whether a
// turn was cancelled; a turn that finished streaming is no longer cancellable.
func (o *Orchestrator) Cancel(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.inflight[convID]
	if !ok || t.settling {
		return false
	}
	t.cancelled = true
	t.cancel()
	return true
}

// Busy reports whether a conversation has a turn in flight.
func (o *Orchestrator) Busy(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[convID]
	return ok
}

// Close cancels streaming turns and waits for background side effects.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	for _, t := range o.inflight {
		if !t.settling {
			t.cancelled = true
			t.cancel()
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
