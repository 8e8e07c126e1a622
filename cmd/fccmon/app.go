package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/config"
	"fcc_monitor/internal/ecfs"
	"fcc_monitor/internal/oauth"
	"fcc_monitor/internal/ratelimit"
	"fcc_monitor/internal/retryqueue"
	"fcc_monitor/internal/scheduler"
	"fcc_monitor/internal/settings"
	"fcc_monitor/internal/slack"
	"fcc_monitor/internal/social"
	"fcc_monitor/internal/storage"
	"fcc_monitor/internal/vault"
)

const httpTimeout = 30 * time.Second

// app holds the wired components shared by the subcommands.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	kv    storage.KV
	sched *scheduler.Scheduler
	svc   *admin.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	if cfg.StoreBackend == storage.BackendSQLite {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	kv, err := storage.Open(ctx, cfg.StoreBackend, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	var v *vault.Vault
	if cfg.EncryptionKey != "" {
		if v, err = vault.New(cfg.EncryptionKey, kv); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("create vault: %w", err)
		}
	} else {
		log.Warn("ENCRYPTION_KEY is not set, X credentials cannot be stored")
	}

	hc := &http.Client{Timeout: httpTimeout}

	tokens := oauth.New(kv, v, oauth.Endpoints{
		AuthURL:     cfg.XAuthURL,
		TokenURL:    cfg.XTokenURL,
		RedirectURL: cfg.XRedirectURL,
	}, log)
	tokens.SetHTTPClient(hc)

	limiter := ratelimit.New(kv, ratelimit.DefaultPolicy)
	queue := retryqueue.New(kv, log)
	poster := social.NewPoster(social.NewClient(cfg.XAPIBaseURL, hc, limiter, log), tokens, limiter, queue, log)
	notifier := slack.NewNotifier(cfg.SlackWebhookURL, hc, log)
	fetcher := ecfs.New(hc, ecfs.Config{
		APIKey:   cfg.ECFSAPIKey,
		BaseURL:  cfg.ECFSBaseURL,
		MaxPages: cfg.ECFSMaxPages,
	}, log)

	repo := settings.NewRepository(kv)
	sched := scheduler.New(kv, repo, fetcher, notifier, poster, cfg.Docket, log)
	sched.SetTickInterval(cfg.CheckTick)

	svc := admin.New(admin.Deps{
		Settings: repo,
		Limiter:  limiter,
		Queue:    queue,
		Runner:   sched,
		Notifier: notifier,
		Poster:   poster,
		Tokens:   tokens,
	}, log)

	return &app{cfg: cfg, log: log, kv: kv, sched: sched, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.kv.Close(); err != nil {
		a.log.Error("close store", "error", err)
	}
}
