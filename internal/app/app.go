// Package app wires configuration, storage, providers and the session
// orchestrator into one runnable unit shared by the CLI and the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/polychat/internal/config"
	"github.com/raphaelgruber/polychat/internal/export"
	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/persistence"
	"github.com/raphaelgruber/polychat/internal/provider"
	"github.com/raphaelgruber/polychat/internal/remote"
	"github.com/raphaelgruber/polychat/internal/search"
	"github.com/raphaelgruber/polychat/internal/session"
	"github.com/raphaelgruber/polychat/internal/store"
)

// accountFile remembers the signed-in user between runs.
const accountFile = "account"

// App holds every long-lived dependency.
type App struct {
	Config   config.Config
	Log      *slog.Logger
	Metrics  *metrics.Collector
	Registry *provider.Registry
	Persist  *persistence.Service
	Session  *session.Orchestrator

	remote *remote.Client
}

// Options tunes New.
type Options struct {
	// Offline skips connecting to the remote store.
	Offline bool
}

// New builds the application from cfg.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, opts Options) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	mc := metrics.NewCollector()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kv, err := store.Open(cfg.LocalBackend, cfg.LocalPath())
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	a := &App{Config: cfg, Log: log, Metrics: mc}

	var rem persistence.Remote
	if cfg.Remote().Enabled() && !opts.Offline {
		client, err := remote.NewClient(ctx, cfg.Remote(), log)
		if err != nil {
			// Local use keeps working; sync stays off for this run.
			log.Warn("remote store unavailable, sync disabled", "url", cfg.SurrealDBURL, "error", err)
		} else {
			a.remote = client
			rem = client
		}
	}

	a.Persist = persistence.NewService(store.NewRepository(kv, log), rem, persistence.Options{
		FastWindow: cfg.SyncFast,
		SlowWindow: cfg.SyncSlow,
		Logger:     log,
		Metrics:    mc,
	})

	a.Registry, err = provider.NewDefaultRegistry(provider.HTTPOptions{UserAgent: cfg.UserAgent, Logger: log}, cfg.BaseURLs)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	sessOpts := session.Options{
		Exporter: export.NewClient(export.Options{
			URL:     cfg.ExportURL,
			Dir:     cfg.ExportDir,
			Logger:  log,
			Metrics: mc,
		}),
		Personas:       cfg.Personas,
		EnvCredentials: cfg.EnvCredentials,
		Logger:         log,
		Metrics:        mc,
	}
	if searcher, err := search.NewDuckDuckGo(cfg.SearchResults, cfg.UserAgent, log); err != nil {
		log.Warn("web search unavailable", "error", err)
	} else {
		sessOpts.Searcher = searcher
	}
	a.Session = session.New(a.Registry, a.Persist, session.NewStateStore(session.State{}), sessOpts)

	if err := a.applyDefaults(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.resumeAccount(ctx)

	if err := a.Session.Restore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// applyDefaults seeds empty preferences from the config file.
func (a *App) applyDefaults(ctx context.Context) error {
	prefs, err := a.Persist.Preferences(ctx)
	if err != nil {
		return err
	}
	if prefs.ProviderID != "" || a.Config.DefaultProvider == "" {
		return nil
	}
	_, err = a.Persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.ProviderID = a.Config.DefaultProvider
		p.ModelID = a.Config.DefaultModel
		if p.PromptMode == "" {
			p.PromptMode = a.Config.DefaultPromptMode
		}
	})
	return err
}

func (a *App) resumeAccount(ctx context.Context) {
	uid := a.AccountID()
	if uid == "" || a.remote == nil {
		return
	}
	if _, err := a.Persist.SignIn(ctx, uid); err != nil {
		a.Log.Warn("resume sign-in failed", "user_id", uid, "error", err)
	}
}

// RemoteAvailable reports whether a remote store is connected.
func (a *App) RemoteAvailable() bool {
	return a.remote != nil
}

// AccountID returns the remembered user id, or "".
func (a *App) AccountID() string {
	raw, err := os.ReadFile(filepath.Join(a.Config.DataDir, accountFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// SignIn merges the remote state of userID and remembers the account.
func (a *App) SignIn(ctx context.Context, userID string) (*persistence.MergeResult, error) {
	res, err := a.Persist.SignIn(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(a.Config.DataDir, accountFile), []byte(userID+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("remember account: %w", err)
	}
	if err := a.Session.Restore(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// SignOut flushes pending pushes and forgets the account.
func (a *App) SignOut(ctx context.Context) error {
	if err := a.Persist.SignOut(ctx); err != nil && !errors.Is(err, persistence.ErrNotSignedIn) {
		return err
	}
	err := os.Remove(filepath.Join(a.Config.DataDir, accountFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("forget account: %w", err)
	}
	return nil
}

// Close stops the session, flushes persistence and disconnects.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Session != nil {
		errs = append(errs, a.Session.Close(ctx))
	}
	if a.Persist != nil {
		errs = append(errs, a.Persist.Close(ctx))
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close(ctx))
	}
	return errors.Join(errs...)
}
