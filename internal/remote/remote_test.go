//go:build integration

package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/polychat/internal/models"
)

var testClient *Client

// TestMain starts a SurrealDB container shared by all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testClient, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	code := m.Run()

	_ = testClient.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestFetch_Missing(t *testing.T) {
	state, err := testClient.Fetch(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, state.Preferences)
	assert.Empty(t, state.Chats)
	assert.Empty(t, state.Memories)
}

func TestMerge_PartialFields(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New().String()
	t.Cleanup(func() { _ = testClient.Delete(ctx, uid) })

	now := time.Now().UTC().Truncate(time.Millisecond)
	prefs := models.Preferences{ProviderID: "groq", ModelID: "llama-3.1-8b-instant", UpdatedAt: now}
	require.NoError(t, testClient.Merge(ctx, uid, map[string]any{FieldPreferences: prefs}))

	chats := []models.ChatDocument{{
		Conversation: models.Conversation{ID: "c1", Title: "hi", CreatedAt: now, UpdatedAt: now},
		Messages:     []models.Message{{ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "hello", CreatedAt: now}},
	}}
	require.NoError(t, testClient.Merge(ctx, uid, map[string]any{FieldChats: chats, FieldMemories: []models.Memory{}}))

	state, err := testClient.Fetch(ctx, uid)
	require.NoError(t, err)
	require.NotNil(t, state.Preferences)
	assert.Equal(t, "groq", state.Preferences.ProviderID)
	require.Len(t, state.Chats, 1)
	assert.Equal(t, "hello", state.Chats[0].Messages[0].Content)
	assert.Empty(t, state.Memories)
	assert.NotNil(t, state.UpdatedAt)
}

func TestEmptyUser(t *testing.T) {
	_, err := testClient.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyUser)
	assert.ErrorIs(t, testClient.Merge(context.Background(), "", nil), ErrEmptyUser)
}
