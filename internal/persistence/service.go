// Package persistence owns durable records. Every mutation is written to the
// local store before returning; while a user is signed in, changes are pushed
// to the remote store through two debounced queues.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/remote"
	"github.com/raphaelgruber/polychat/internal/store"
)

// Default debounce windows.
const (
	DefaultFastWindow  = 1 * time.Second
	DefaultSlowWindow  = 5 * time.Second
	defaultPushTimeout = 30 * time.Second
)

// Remote is the document store keyed by user id.
type Remote interface {
	Fetch(ctx context.Context, userID string) (*remote.UserState, error)
	Merge(ctx context.Context, userID string, fields map[string]any) error
}

// Options configures a Service.
type Options struct {
	FastWindow  time.Duration
	SlowWindow  time.Duration
	PushTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	// OnSyncError observes failed pushes.
	OnSyncError func(*SyncError)
}

// Service mediates between the local repository and the optional remote store.
type Service struct {
	repo    *store.Repository
	remote  Remote
	log     *slog.Logger
	metrics *metrics.Collector
	opts    Options

	fast *Debouncer // preferences
	slow *Debouncer // chats and memories

	mu     sync.RWMutex
	userID string

	// prefMu serializes read-modify-write of preferences.
	prefMu sync.Mutex
}

// NewService wires the repository and remote store. rem may be nil when no
// remote store is configured.
func NewService(repo *store.Repository, rem Remote, opts Options) *Service {
	if opts.FastWindow <= 0 {
		opts.FastWindow = DefaultFastWindow
	}
	if opts.SlowWindow <= 0 {
		opts.SlowWindow = DefaultSlowWindow
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{repo: repo, remote: rem, log: opts.Logger, metrics: opts.Metrics, opts: opts}
	s.fast = NewDebouncer("preferences", opts.FastWindow, s.pushPreferences, opts.Logger)
	s.slow = NewDebouncer("collections", opts.SlowWindow, s.pushCollections, opts.Logger)
	return s
}

// UserID returns the signed-in user, or "" when signed out.
func (s *Service) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Service) signedIn() bool {
	return s.remote != nil && s.UserID() != ""
}

func (s *Service) scheduleFast() {
	if s.signedIn() {
		s.fast.Trigger()
	}
}

func (s *Service) scheduleSlow() {
	if s.signedIn() {
		s.slow.Trigger()
	}
}

func (s *Service) timed(fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.Since(metrics.OpLocalWrite, start)
	return err
}

// CommitConversation creates or updates a conversation.
func (s *Service) CommitConversation(ctx context.Context, c models.Conversation) error {
	if err := s.timed(func() error { return s.repo.PutConversation(ctx, c) }); err != nil {
		return err
	}
	s.scheduleSlow()
	return nil
}

// CommitMessage appends a message and returns it as committed.
func (s *Service) CommitMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	err := s.timed(func() error {
		var err error
		out, err = s.repo.AppendMessage(ctx, msg)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	s.scheduleSlow()
	return out, nil
}

// CommitMemory creates or replaces a memory.
func (s *Service) CommitMemory(ctx context.Context, m models.Memory) error {
	if err := s.timed(func() error { return s.repo.PutMemory(ctx, m) }); err != nil {
		return err
	}
	s.scheduleSlow()
	return nil
}

// SetMemoryEnabled toggles a memory.
func (s *Service) SetMemoryEnabled(ctx context.Context, id string, enabled bool) (models.Memory, error) {
	var out models.Memory
	err := s.timed(func() error {
		var err error
		out, err = s.repo.SetMemoryEnabled(ctx, id, enabled)
		return err
	})
	if err != nil {
		return models.Memory{}, err
	}
	s.scheduleSlow()
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if err := s.timed(func() error { return s.repo.DeleteConversation(ctx, id) }); err != nil {
		return err
	}
	s.scheduleSlow()
	return nil
}

// DeleteMemory removes a memory.
func (s *Service) DeleteMemory(ctx context.Context, id string) error {
	if err := s.timed(func() error { return s.repo.DeleteMemory(ctx, id) }); err != nil {
		return err
	}
	s.scheduleSlow()
	return nil
}

// SavePreferences replaces the stored preferences.
func (s *Service) SavePreferences(ctx context.Context, p models.Preferences) error {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()
	return s.savePreferencesLocked(ctx, p)
}

// UpdatePreferences applies fn to the stored preferences and saves the result.
func (s *Service) UpdatePreferences(ctx context.Context, fn func(*models.Preferences)) (models.Preferences, error) {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()

	p, err := s.repo.Preferences(ctx)
	if err != nil {
		return models.Preferences{}, err
	}
	fn(&p)
	if err := s.savePreferencesLocked(ctx, p); err != nil {
		return models.Preferences{}, err
	}
	return p, nil
}

func (s *Service) savePreferencesLocked(ctx context.Context, p models.Preferences) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.timed(func() error { return s.repo.PutPreferences(ctx, p) }); err != nil {
		return err
	}
	s.scheduleFast()
	return nil
}

// Conversation returns one conversation.
func (s *Service) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

// Conversations returns all conversations, most recently updated first.
func (s *Service) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return s.repo.ListConversations(ctx)
}

// Messages returns a conversation's messages in creation order.
func (s *Service) Messages(ctx context.Context, convID string) ([]models.Message, error) {
	return s.repo.Messages(ctx, convID)
}

// Memories returns all memories.
func (s *Service) Memories(ctx context.Context) ([]models.Memory, error) {
	return s.repo.ListMemories(ctx)
}

// Preferences returns the stored preferences.
func (s *Service) Preferences(ctx context.Context) (models.Preferences, error) {
	return s.repo.Preferences(ctx)
}

// Chats returns every conversation with its messages.
func (s *Service) Chats(ctx context.Context) ([]models.ChatDocument, error) {
	return s.repo.Chats(ctx)
}

// MergeResult summarises a sign-in merge.
type MergeResult struct {
	Preferences    models.Preferences
	ChatsSource    Source
	MemoriesSource Source
	Chats          int
	Memories       int
}

// SignIn fetches the remote snapshot for userID, merges it into the local
// store and starts syncing. Collections kept from local are queued for push.
func (s *Service) SignIn(ctx context.Context, userID string) (*MergeResult, error) {
	if s.remote == nil {
		return nil, fmt.Errorf("sign in: %w", ErrNotSignedIn)
	}
	if userID == "" {
		return nil, fmt.Errorf("sign in: %w", remote.ErrEmptyUser)
	}

	start := time.Now()
	state, err := s.remote.Fetch(ctx, userID)
	if err != nil {
		return nil, &SyncError{Op: "fetch", UserID: userID, Err: err}
	}

	localChats, err := s.repo.Chats(ctx)
	if err != nil {
		return nil, err
	}
	localMems, err := s.repo.ListMemories(ctx)
	if err != nil {
		return nil, err
	}

	chats, chatsSrc := MergeCollection(localChats, state.Chats)
	mems, memsSrc := MergeCollection(localMems, state.Memories)

	prefs, err := s.mergePreferences(ctx, state.Preferences)
	if err != nil {
		return nil, err
	}
	if chatsSrc == SourceRemote {
		if err := s.repo.ReplaceChats(ctx, chats); err != nil {
			return nil, err
		}
	}
	if memsSrc == SourceRemote {
		if err := s.repo.ReplaceMemories(ctx, mems); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.fast.Reset()
	s.slow.Reset()

	// The merged preferences may carry local-only fields.
	s.fast.Trigger()
	if (chatsSrc == SourceLocal && len(chats) > 0) || (memsSrc == SourceLocal && len(mems) > 0) {
		s.slow.Trigger()
	}

	s.log.Info("signed in",
		"user", userID,
		"chats", len(chats), "chats_source", chatsSrc,
		"memories", len(mems), "memories_source", memsSrc,
		"duration_ms", time.Since(start).Milliseconds())

	return &MergeResult{
		Preferences:    prefs,
		ChatsSource:    chatsSrc,
		MemoriesSource: memsSrc,
		Chats:          len(chats),
		Memories:       len(mems),
	}, nil
}

// mergePreferences merges remote into the stored preferences. The read and
// the write happen under prefMu so a concurrent update is not lost.
func (s *Service) mergePreferences(ctx context.Context, rp *models.Preferences) (models.Preferences, error) {
	s.prefMu.Lock()
	defer s.prefMu.Unlock()

	local, err := s.repo.Preferences(ctx)
	if err != nil {
		return models.Preferences{}, err
	}
	prefs := MergePreferences(local, rp)
	if err := s.repo.PutPreferences(ctx, prefs); err != nil {
		return models.Preferences{}, err
	}
	return prefs, nil
}

// SignOut flushes pending pushes and stops syncing. Local data is kept.
func (s *Service) SignOut(ctx context.Context) error {
	if !s.signedIn() {
		return nil
	}
	err := s.Sync(ctx)
	s.fast.Stop()
	s.slow.Stop()

	s.mu.Lock()
	uid := s.userID
	s.userID = ""
	s.mu.Unlock()

	s.log.Info("signed out", "user", uid)
	return err
}

// Sync pushes everything immediately and reports the first failure.
func (s *Service) Sync(ctx context.Context) error {
	if !s.signedIn() {
		return ErrNotSignedIn
	}
	s.fast.Trigger()
	s.slow.Trigger()
	errFast := s.fast.Flush(ctx)
	errSlow := s.slow.Flush(ctx)
	if errFast != nil {
		return errFast
	}
	return errSlow
}

// Close flushes pending pushes and closes the local store.
func (s *Service) Close(ctx context.Context) error {
	if s.signedIn() {
		if err := s.Sync(ctx); err != nil {
			s.log.Warn("final sync failed", "error", err)
		}
	}
	s.fast.Stop()
	s.slow.Stop()
	return s.repo.Close()
}

func (s *Service) pushPreferences(ctx context.Context) error {
	uid := s.UserID()
	if uid == "" || s.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PushTimeout)
	defer cancel()

	prefs, err := s.repo.Preferences(ctx)
	if err != nil {
		return s.syncFailed("read preferences", uid, err)
	}
	return s.push(ctx, "push preferences", uid, map[string]any{remote.FieldPreferences: prefs})
}

func (s *Service) pushCollections(ctx context.Context) error {
	uid := s.UserID()
	if uid == "" || s.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PushTimeout)
	defer cancel()

	chats, err := s.repo.Chats(ctx)
	if err != nil {
		return s.syncFailed("read chats", uid, err)
	}
	mems, err := s.repo.ListMemories(ctx)
	if err != nil {
		return s.syncFailed("read memories", uid, err)
	}
	// Empty collections are pushed as empty arrays so deletions propagate.
	if chats == nil {
		chats = []models.ChatDocument{}
	}
	if mems == nil {
		mems = []models.Memory{}
	}
	return s.push(ctx, "push collections", uid, map[string]any{
		remote.FieldChats:    chats,
		remote.FieldMemories: mems,
	})
}

func (s *Service) push(ctx context.Context, op, uid string, fields map[string]any) error {
	start := time.Now()
	if err := s.remote.Merge(ctx, uid, fields); err != nil {
		return s.syncFailed(op, uid, err)
	}
	s.metrics.Since(metrics.OpRemotePush, start)
	s.log.Debug("pushed to remote", "op", op, "user", uid, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Service) syncFailed(op, uid string, err error) error {
	se := &SyncError{Op: op, UserID: uid, Err: err}
	s.metrics.Inc(metrics.CountSyncErrors)
	if s.opts.OnSyncError != nil {
		s.opts.OnSyncError(se)
	}
	return se
}
