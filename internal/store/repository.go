package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/polychat/internal/models"
)

// Repository encodes records as JSON over a KV. Reads may run concurrently;
// mutations are applied one at a time so a conversation and its messages
// are never written interleaved.
type Repository struct {
	kv  KV
	log *slog.Logger
	mu  sync.Mutex
}

// NewRepository wraps kv.
func NewRepository(kv KV, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{kv: kv, log: log}
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	return r.kv.Close()
}

func encode(op, key string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, persistErr(op, key, fmt.Errorf("encode: %w", err))
	}
	return b, nil
}

func decode[T any](op, key string, raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, persistErr(op, key, fmt.Errorf("decode: %w", err))
	}
	return v, nil
}

func scanAll[T any](ctx context.Context, kv KV, op, prefix string) ([]T, error) {
	entries, err := kv.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		v, err := decode[T](op, e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PutConversation creates or updates a conversation record.
func (r *Repository) PutConversation(ctx context.Context, c models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := convKey(c.ID)
	b, err := encode("put conversation", key, c)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, key, b)
}

// GetConversation returns ErrNotFound when id is unknown.
func (r *Repository) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	key := convKey(id)
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return models.Conversation{}, err
	}
	return decode[models.Conversation]("get conversation", key, raw)
}

// ListConversations returns conversations, most recently updated first.
func (r *Repository) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	convs, err := scanAll[models.Conversation](ctx, r.kv, "list conversations", convPrefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// AppendMessage commits msg to its conversation and bumps the conversation's
// UpdatedAt in the same batch. If msg.CreatedAt does not sort after the last
// message it is advanced by one nanosecond past it, keeping the order total.
// The committed message is returned.
func (r *Repository) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("append message: conversation %s: %w", msg.ConversationID, err)
	}

	existing, err := r.kv.Scan(ctx, msgConvPrefix(msg.ConversationID))
	if err != nil {
		return models.Message{}, err
	}
	for _, e := range existing {
		if strings.HasSuffix(e.Key, "/"+msg.ID) {
			return models.Message{}, fmt.Errorf("append message %s: %w", msg.ID, ErrAlreadyExists)
		}
	}
	if n := len(existing); n > 0 {
		if last, ok := msgKeyTime(existing[n-1].Key); ok && msg.CreatedAt.UnixNano() <= last {
			msg.CreatedAt = time.Unix(0, last+1).UTC()
		}
	}

	key := msgKey(msg.ConversationID, msg.CreatedAt, msg.ID)
	mb, err := encode("append message", key, msg)
	if err != nil {
		return models.Message{}, err
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	cb, err := encode("append message", convKey(conv.ID), conv)
	if err != nil {
		return models.Message{}, err
	}

	if err := r.kv.Batch(ctx, []Op{{Key: key, Value: mb}, {Key: convKey(conv.ID), Value: cb}}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Messages returns a conversation's messages ordered by creation time.
func (r *Repository) Messages(ctx context.Context, convID string) ([]models.Message, error) {
	return scanAll[models.Message](ctx, r.kv, "list messages", msgConvPrefix(convID))
}

// DeleteConversation removes a conversation and all of its messages atomically.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.kv.Get(ctx, convKey(id)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	msgs, err := r.kv.Scan(ctx, msgConvPrefix(id))
	if err != nil {
		return err
	}
	ops := make([]Op, 0, len(msgs)+1)
	for _, m := range msgs {
		ops = append(ops, Op{Key: m.Key, Delete: true})
	}
	ops = append(ops, Op{Key: convKey(id), Delete: true})
	return r.kv.Batch(ctx, ops)
}

// PutMemory creates or updates a memory.
func (r *Repository) PutMemory(ctx context.Context, m models.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memKey(m.ID)
	b, err := encode("put memory", key, m)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, key, b)
}

// GetMemory returns ErrNotFound when id is unknown.
func (r *Repository) GetMemory(ctx context.Context, id string) (models.Memory, error) {
	key := memKey(id)
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return models.Memory{}, err
	}
	return decode[models.Memory]("get memory", key, raw)
}

// SetMemoryEnabled toggles a memory in place.
func (r *Repository) SetMemoryEnabled(ctx context.Context, id string, enabled bool) (models.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.GetMemory(ctx, id)
	if err != nil {
		return models.Memory{}, err
	}
	m.Enabled = enabled
	key := memKey(id)
	b, err := encode("toggle memory", key, m)
	if err != nil {
		return models.Memory{}, err
	}
	return m, r.kv.Put(ctx, key, b)
}

// DeleteMemory removes a memory. Deleting an unknown id returns ErrNotFound.
func (r *Repository) DeleteMemory(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.kv.Get(ctx, memKey(id)); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return r.kv.Delete(ctx, memKey(id))
}

// ListMemories returns all memories ordered by creation time.
func (r *Repository) ListMemories(ctx context.Context) ([]models.Memory, error) {
	mems, err := scanAll[models.Memory](ctx, r.kv, "list memories", memPrefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(mems, func(i, j int) bool {
		return mems[i].CreatedAt.Before(mems[j].CreatedAt)
	})
	return mems, nil
}

// Preferences returns the stored preferences, or the zero value if none were saved.
func (r *Repository) Preferences(ctx context.Context) (models.Preferences, error) {
	raw, err := r.kv.Get(ctx, prefKey)
	if errors.Is(err, ErrNotFound) {
		return models.Preferences{}, nil
	}
	if err != nil {
		return models.Preferences{}, err
	}
	return decode[models.Preferences]("get preferences", prefKey, raw)
}

// PutPreferences replaces the stored preferences.
func (r *Repository) PutPreferences(ctx context.Context, p models.Preferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := encode("put preferences", prefKey, p)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, prefKey, b)
}

// Chats returns every conversation together with its messages.
func (r *Repository) Chats(ctx context.Context) ([]models.ChatDocument, error) {
	convs, err := r.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatDocument, 0, len(convs))
	for _, c := range convs {
		msgs, err := r.Messages(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChatDocument{Conversation: c, Messages: msgs})
	}
	return out, nil
}

// ReplaceChats swaps every conversation and message for docs in one batch.
func (r *Repository) ReplaceChats(ctx context.Context, docs []models.ChatDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, err := r.clearOps(ctx, convPrefix, msgPrefix)
	if err != nil {
		return err
	}
	for _, d := range docs {
		cb, err := encode("replace chats", convKey(d.Conversation.ID), d.Conversation)
		if err != nil {
			return err
		}
		ops = append(ops, Op{Key: convKey(d.Conversation.ID), Value: cb})
		for _, m := range d.Messages {
			key := msgKey(d.Conversation.ID, m.CreatedAt, m.ID)
			mb, err := encode("replace chats", key, m)
			if err != nil {
				return err
			}
			ops = append(ops, Op{Key: key, Value: mb})
		}
	}
	r.log.Debug("replacing local chats", "count", len(docs))
	return r.kv.Batch(ctx, ops)
}

// ReplaceMemories swaps every memory for mems in one batch.
func (r *Repository) ReplaceMemories(ctx context.Context, mems []models.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, err := r.clearOps(ctx, memPrefix)
	if err != nil {
		return err
	}
	for _, m := range mems {
		b, err := encode("replace memories", memKey(m.ID), m)
		if err != nil {
			return err
		}
		ops = append(ops, Op{Key: memKey(m.ID), Value: b})
	}
	r.log.Debug("replacing local memories", "count", len(mems))
	return r.kv.Batch(ctx, ops)
}

// clearOps returns delete ops for every key under prefixes. Because a Batch
// applies ops in order, puts appended afterwards win over these deletes.
func (r *Repository) clearOps(ctx context.Context, prefixes ...string) ([]Op, error) {
	var ops []Op
	for _, p := range prefixes {
		entries, err := r.kv.Scan(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ops = append(ops, Op{Key: e.Key, Delete: true})
		}
	}
	return ops, nil
}
