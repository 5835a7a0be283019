// Package session drives chat turns: it composes prompts, streams provider
// output token by token, dispatches side effects and commits results.
package session

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/polychat/internal/models"
)

// Phase is the position of a turn in its state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseComposingPrompt    Phase = "composing_prompt"
	PhaseAwaitingFirstToken Phase = "awaiting_first_token"
	PhaseStreaming          Phase = "streaming"
	PhaseSettling           Phase = "settling"
	PhaseFailed             Phase = "failed"
)

// NoticeLevel classifies a user-facing notification.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// maxNotices bounds the notices kept in a snapshot.
const maxNotices = 20

// Notice is a notification raised by a turn or one of its side effects.
type Notice struct {
	Seq            int64       `json:"seq"`
	Level          NoticeLevel `json:"level"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Text           string      `json:"text"`
	At             time.Time   `json:"at"`
}

// TurnState is the live view of one conversation's turn.
type TurnState struct {
	ConversationID string `json:"conversation_id"`
	Phase          Phase  `json:"phase"`
	// Text is the accumulated assistant output so far.
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
	LastError string `json:"last_error,omitempty"`
}

// State is an immutable snapshot of the session.
type State struct {
	ProviderID    string         `json:"provider_id"`
	ModelID       string         `json:"model_id"`
	PromptMode    string         `json:"prompt_mode"`
	MemoryEnabled bool           `json:"memory_enabled"`
	WebGrounding  bool           `json:"web_grounding"`
	Models        []models.Model `json:"models,omitempty"`

	// Turns holds conversations with a turn in flight or just failed.
	Turns   map[string]TurnState `json:"turns"`
	Notices []Notice             `json:"notices,omitempty"`
	Version int64                `json:"version"`
}

// Turn returns the turn state of a conversation, or an idle one.
func (s State) Turn(convID string) TurnState {
	if t, ok := s.Turns[convID]; ok {
		return t
	}
	return TurnState{ConversationID: convID, Phase: PhaseIdle}
}

func (s State) clone() State {
	out := s
	out.Models = slices.Clone(s.Models)
	out.Turns = maps.Clone(s.Turns)
	if out.Turns == nil {
		out.Turns = map[string]TurnState{}
	}
	out.Notices = slices.Clone(s.Notices)
	return out
}

// StateStore owns the session state and broadcasts a snapshot to its
// subscribers after every change. Subscribers are called synchronously and
// in change order; they must not call back into the store's mutators.
type StateStore struct {
	mu    sync.Mutex
	state State

	// emitMu keeps broadcasts in the same order as the changes.
	emitMu sync.Mutex
	subs   map[int]func(State)
	nextID int
	seq    int64
	now    func() time.Time
}

// NewStateStore creates a store seeded with initial.
func NewStateStore(initial State) *StateStore {
	initial = initial.clone()
	return &StateStore{state: initial, subs: make(map[int]func(State)), now: time.Now}
}

// Snapshot returns a copy of the current state.
func (s *StateStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn and returns a function that removes it.
// fn receives the current state immediately.
func (s *StateStore) Subscribe(fn func(State)) (unsubscribe func()) {
	s.emitMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	snap := s.state.clone()
	s.mu.Unlock()
	fn(snap)
	s.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// update applies fn and broadcasts the resulting snapshot.
func (s *StateStore) update(fn func(*State)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	fn(&s.state)
	s.state.Version++
	snap := s.state.clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *StateStore) setTurn(t TurnState) {
	s.update(func(st *State) {
		if st.Turns == nil {
			st.Turns = map[string]TurnState{}
		}
		st.Turns[t.ConversationID] = t
	})
}

func (s *StateStore) clearTurn(convID string) {
	s.update(func(st *State) { delete(st.Turns, convID) })
}

func (s *StateStore) notify(level NoticeLevel, convID, text string) {
	s.update(func(st *State) {
		s.seq++
		st.Notices = append(st.Notices, Notice{
			Seq:            s.seq,
			Level:          level,
			ConversationID: convID,
			Text:           text,
			At:             s.now().UTC(),
		})
		if n := len(st.Notices); n > maxNotices {
			st.Notices = slices.Clone(st.Notices[n-maxNotices:])
		}
	})
}
