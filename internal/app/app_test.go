package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/polychat/internal/config"
	"github.com/raphaelgruber/polychat/internal/persistence"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/store"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DataDir:           dir,
		LocalBackend:      backend,
		SyncFast:          time.Second,
		SyncSlow:          5 * time.Second,
		ExportDir:         dir + "/exports",
		SearchResults:     3,
		UserAgent:         "polychat-test",
		DefaultProvider:   provider.Groq,
		DefaultModel:      "llama-3.1-8b-instant",
		DefaultPromptMode: "concise",
		Personas:          map[string]string{},
		BaseURLs:          map[string]string{},
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	for _, backend := range []string{store.BackendBolt, store.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			a, err := New(ctx, testConfig(t, backend), nil, Options{Offline: true})
			require.NoError(t, err)
			defer func() { assert.NoError(t, a.Close(ctx)) }()

			snap := a.Session.State().Snapshot()
			assert.Equal(t, provider.Groq, snap.ProviderID)
			assert.Equal(t, "llama-3.1-8b-instant", snap.ModelID)
			assert.Equal(t, "concise", snap.PromptMode)
			assert.True(t, snap.MemoryEnabled)
			assert.False(t, a.RemoteAvailable())
			assert.Len(t, a.Registry.Providers(), 4)
		})
	}
}

func TestNew_KeepsStoredSelection(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, store.BackendBolt)

	a, err := New(ctx, cfg, nil, Options{Offline: true})
	require.NoError(t, err)
	require.NoError(t, a.Session.SelectModel(ctx, "llama-3.3-70b-versatile"))
	require.NoError(t, a.Close(ctx))

	a, err = New(ctx, cfg, nil, Options{Offline: true})
	require.NoError(t, err)
	defer a.Close(ctx)
	assert.Equal(t, "llama-3.3-70b-versatile", a.Session.State().Snapshot().ModelID)
}

func TestSignIn_RequiresRemote(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, store.BackendBolt), nil, Options{Offline: true})
	require.NoError(t, err)
	defer a.Close(ctx)

	_, err = a.SignIn(ctx, "user-1")
	assert.ErrorIs(t, err, persistence.ErrNotSignedIn)
	assert.Empty(t, a.AccountID())
	assert.NoError(t, a.SignOut(ctx))
}
