// ABOUTME: Shared wiring for commands that need the sync controller
// ABOUTME: Builds config, SQLite cache, remote backend, title generator and controller
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/harper/chatsync/internal/charm"
	"github.com/harper/chatsync/internal/config"
	"github.com/harper/chatsync/internal/core"
	"github.com/harper/chatsync/internal/llm"
	"github.com/harper/chatsync/internal/remote"
	"github.com/harper/chatsync/internal/storage/sqlite"
)

// app bundles everything a command needs and releases it in Close
type app struct {
	cfg   *config.Config
	store *sqlite.Storage
	ctrl  *core.Controller
	charm *charm.Client
}

// openApp loads configuration and opens the cache, the remote and the controller
func openApp() (*app, error) {
	// Load .env for API keys; a missing file is fine
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	storeOpts := []sqlite.Option{
		sqlite.WithMaxCached(cfg.MaxCached),
		sqlite.WithLogger(log.Default().WithPrefix("cache")),
	}
	if cfg.DBPath != "" {
		a.store, err = sqlite.NewStorageWithPath(cfg.DBPath, storeOpts...)
	} else {
		a.store, err = sqlite.NewStorage(storeOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	var ai *llm.OpenAIClient
	if cfg.OpenAIKey != "" {
		llmCfg := llm.DefaultConfig(cfg.OpenAIKey)
		llmCfg.ChatModel = cfg.TitleModel
		ai, err = llm.NewOpenAIClientWithConfig(llmCfg)
		if err != nil {
			log.Warn("OpenAI client unavailable, titles stay manual", "err", err)
			ai = nil
		}
	}

	client, err := a.openRemote(ai)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireOwner(); err != nil {
		return nil, err
	}

	opts := []core.Option{core.WithLogger(log.Default().WithPrefix("sync"))}
	if ai != nil {
		opts = append(opts, core.WithTitleSuggester(ai))
	}
	a.ctrl, err = core.New(a.store, client, cfg.OwnerID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating controller: %w", err)
	}

	ok = true
	return a, nil
}

// openRemote selects the backend named by CHATSYNC_REMOTE. The charm
// backend answers in-process, so it falls back to the charm account id
// when no owner is configured.
func (a *app) openRemote(ai *llm.OpenAIClient) (remote.Client, error) {
	cfg := a.cfg
	if cfg.Remote == config.RemoteCharm {
		c, err := charm.NewClient(&charm.Config{
			Host:     cfg.CharmHost,
			DBName:   cfg.CharmDBName,
			AutoSync: cfg.AutoSync,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Charm: %w", err)
		}
		a.charm = c

		if strings.TrimSpace(cfg.OwnerID) == "" {
			id, err := c.ID()
			if err != nil {
				return nil, fmt.Errorf("resolving charm identity: %w", err)
			}
			cfg.OwnerID = id
		}

		var responder charm.Responder
		if ai != nil {
			responder = ai
		}
		return charm.NewRemote(c, cfg.OwnerID, responder), nil
	}

	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}
	return remote.NewHTTPClient(cfg.APIURL,
		remote.WithToken(cfg.APIToken),
		remote.WithTimeout(cfg.Timeout),
		remote.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
		remote.WithRateLimit(cfg.RateLimit, int(cfg.RateLimit)),
		remote.WithHTTPLogger(log.Default().WithPrefix("remote")),
	), nil
}

// Close waits for background sync work, then closes the cache and charm
func (a *app) Close() error {
	var errs []error
	if a.ctrl != nil {
		a.ctrl.Wait()
		errs = append(errs, a.ctrl.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.charm != nil {
		errs = append(errs, a.charm.Close())
	}
	return errors.Join(errs...)
}

// open loads a conversation and waits until its sync has settled
func (a *app) open(ctx context.Context, id string) error {
	if err := a.ctrl.LoadConversation(ctx, id); err != nil {
		return err
	}
	a.ctrl.Wait()

	snap := a.ctrl.Snapshot()
	if snap.LoadState == core.LoadSyncFailed {
		if snap.Current == nil && len(snap.Messages) == 0 {
			return fmt.Errorf("conversation %s could not be loaded", id)
		}
		log.Warn("showing cached copy, server sync failed", "id", snap.CurrentID)
	}
	return nil
}
