package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/models"
)

var backends = []string{BackendBolt, BackendSQLite}

func openTestKV(t *testing.T, backend string) KV {
	t.Helper()
	kv, err := Open(backend, filepath.Join(t.TempDir(), "polychat."+backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func forEachBackend(t *testing.T, fn func(t *testing.T, kv KV)) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			fn(t, openTestKV(t, b))
		})
	}
}

func TestKV_CRUDAndScan(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		ctx := context.Background()

		_, err := kv.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		for _, k := range []string{"b/2", "a/1", "b/1", "b0", "c"} {
			require.NoError(t, kv.Put(ctx, k, []byte("v-"+k)))
		}

		v, err := kv.Get(ctx, "b/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v-b/1"), v)

		entries, err := kv.Scan(ctx, "b/")
		require.NoError(t, err)
		assert.Equal(t, []Entry{{Key: "b/1", Value: []byte("v-b/1")}, {Key: "b/2", Value: []byte("v-b/2")}}, entries)

		all, err := kv.Scan(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 5)

		require.NoError(t, kv.Put(ctx, "c", []byte("updated")))
		v, err = kv.Get(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, []byte("updated"), v)

		require.NoError(t, kv.Delete(ctx, "c"))
		_, err = kv.Get(ctx, "c")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestKV_BatchAppliesInOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.Put(ctx, "x", []byte("old")))

		require.NoError(t, kv.Batch(ctx, []Op{
			{Key: "x", Delete: true},
			{Key: "x", Value: []byte("new")},
			{Key: "y", Value: []byte("1")},
		}))

		v, err := kv.Get(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), v)
		_, err = kv.Get(ctx, "y")
		assert.NoError(t, err)
	})
}

func TestKV_UseAfterClose(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.Put(ctx, "k", []byte("v")))
		require.NoError(t, kv.Close())
		require.NoError(t, kv.Close(), "close is idempotent")

		_, err := kv.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, kv.Put(ctx, "k", []byte("v2")), ErrClosed)
		assert.ErrorIs(t, kv.Delete(ctx, "k"), ErrClosed)
		assert.ErrorIs(t, kv.Batch(ctx, []Op{{Key: "k", Delete: true}}), ErrClosed)
		_, err = kv.Scan(ctx, "")
		assert.ErrorIs(t, err, ErrClosed)

		var pe *PersistenceError
		assert.ErrorAs(t, err, &pe)
	})
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("leveldb", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "msg/c", prefixEnd("msg/b"))
	assert.Equal(t, "b", prefixEnd("a\xff"))
	assert.Equal(t, "", prefixEnd("\xff\xff"))
	assert.Equal(t, "", prefixEnd(""))
}

func newTestRepo(t *testing.T, backend string) *Repository {
	t.Helper()
	return NewRepository(openTestKV(t, backend), nil)
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestRepository_ConversationRoundTrip(t *testing.T) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t, b)

			conv := models.Conversation{ID: "c1", Title: "hello", ProviderID: "openai", ModelID: "gpt-4o-mini", CreatedAt: t0, UpdatedAt: t0}
			require.NoError(t, repo.PutConversation(ctx, conv))

			var want []models.Message
			for i := 0; i < 12; i++ {
				role := models.RoleUser
				if i%2 == 1 {
					role = models.RoleAssistant
				}
				msg := models.Message{
					ID:             fmt.Sprintf("m%02d", i),
					ConversationID: "c1",
					Role:           role,
					Content:        fmt.Sprintf("message %d", i),
					CreatedAt:      t0.Add(time.Duration(i) * time.Second),
				}
				got, err := repo.AppendMessage(ctx, msg)
				require.NoError(t, err)
				want = append(want, got)
			}

			msgs, err := repo.Messages(ctx, "c1")
			require.NoError(t, err)
			if diff := cmp.Diff(want, msgs); diff != "" {
				t.Errorf("messages (-want +got):\n%s", diff)
			}

			got, err := repo.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, t0.Add(11*time.Second), got.UpdatedAt)
		})
	}
}

func TestRepository_AppendKeepsTotalOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, BackendBolt)
	require.NoError(t, repo.PutConversation(ctx, models.Conversation{ID: "c1", CreatedAt: t0, UpdatedAt: t0}))

	first, err := repo.AppendMessage(ctx, models.Message{ID: "b", ConversationID: "c1", CreatedAt: t0})
	require.NoError(t, err)
	second, err := repo.AppendMessage(ctx, models.Message{ID: "a", ConversationID: "c1", CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	msgs, err := repo.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)

	_, err = repo.AppendMessage(ctx, models.Message{ID: "a", ConversationID: "c1", CreatedAt: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRepository_AppendRequiresConversation(t *testing.T) {
	repo := newTestRepo(t, BackendBolt)
	_, err := repo.AppendMessage(context.Background(), models.Message{ID: "m", ConversationID: "nope", CreatedAt: t0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_DeleteConversationCascades(t *testing.T) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t, b)

			for _, id := range []string{"c1", "c2"} {
				require.NoError(t, repo.PutConversation(ctx, models.Conversation{ID: id, CreatedAt: t0, UpdatedAt: t0}))
				_, err := repo.AppendMessage(ctx, models.Message{ID: id + "-m", ConversationID: id, CreatedAt: t0})
				require.NoError(t, err)
			}

			require.NoError(t, repo.DeleteConversation(ctx, "c1"))

			_, err := repo.GetConversation(ctx, "c1")
			assert.ErrorIs(t, err, ErrNotFound)
			msgs, err := repo.Messages(ctx, "c1")
			require.NoError(t, err)
			assert.Empty(t, msgs)

			msgs, err = repo.Messages(ctx, "c2")
			require.NoError(t, err)
			assert.Len(t, msgs, 1)

			assert.ErrorIs(t, repo.DeleteConversation(ctx, "c1"), ErrNotFound)
		})
	}
}

func TestRepository_Memories(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, BackendSQLite)

	require.NoError(t, repo.PutMemory(ctx, models.Memory{ID: "m2", Type: models.MemoryFact, Content: "later", Enabled: true, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, repo.PutMemory(ctx, models.Memory{ID: "m1", Type: models.MemoryProfileFact, Title: "Name", Content: "Ada", Enabled: true, CreatedAt: t0}))

	mems, err := repo.ListMemories(ctx)
	require.NoError(t, err)
	require.Len(t, mems, 2)
	assert.Equal(t, "m1", mems[0].ID)

	m, err := repo.SetMemoryEnabled(ctx, "m1", false)
	require.NoError(t, err)
	assert.False(t, m.Enabled)
	got, err := repo.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, repo.DeleteMemory(ctx, "m2"))
	assert.ErrorIs(t, repo.DeleteMemory(ctx, "m2"), ErrNotFound)
	_, err = repo.SetMemoryEnabled(ctx, "m2", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_Preferences(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, BackendBolt)

	p, err := repo.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Preferences{}, p)

	want := models.Preferences{
		ProviderID:    "gemini",
		ModelID:       "gemini-2.0-flash",
		MemoryEnabled: models.Bool(false),
		Credentials:   map[string]models.Credential{"gemini": "secret"},
		UpdatedAt:     t0,
	}
	require.NoError(t, repo.PutPreferences(ctx, want))
	p, err = repo.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, p)
}

func TestRepository_ReplaceChatsAndMemories(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, BackendBolt)

	require.NoError(t, repo.PutConversation(ctx, models.Conversation{ID: "A", CreatedAt: t0, UpdatedAt: t0}))
	_, err := repo.AppendMessage(ctx, models.Message{ID: "a1", ConversationID: "A", CreatedAt: t0})
	require.NoError(t, err)
	require.NoError(t, repo.PutMemory(ctx, models.Memory{ID: "local", CreatedAt: t0}))

	docs := []models.ChatDocument{{
		Conversation: models.Conversation{ID: "B", Title: "remote", CreatedAt: t0, UpdatedAt: t0},
		Messages:     []models.Message{{ID: "b1", ConversationID: "B", Role: models.RoleUser, Content: "hi", CreatedAt: t0}},
	}}
	require.NoError(t, repo.ReplaceChats(ctx, docs))
	require.NoError(t, repo.ReplaceMemories(ctx, []models.Memory{{ID: "remote", CreatedAt: t0}}))

	chats, err := repo.Chats(ctx)
	require.NoError(t, err)
	assert.Equal(t, docs, chats)

	msgs, err := repo.Messages(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	mems, err := repo.ListMemories(ctx)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "remote", mems[0].ID)
}

func TestRepository_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, BackendBolt)
	require.NoError(t, repo.PutConversation(ctx, models.Conversation{ID: "c", CreatedAt: t0, UpdatedAt: t0}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendMessage(ctx, models.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c", CreatedAt: t0})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := repo.Messages(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}
