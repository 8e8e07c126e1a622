package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fcc_monitor/internal/bot"
	"fcc_monitor/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the HTTP API and the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var b *bot.Bot
	if a.cfg.TelegramBotToken != "" {
		if b, err = bot.New(a.cfg.TelegramBotToken, a.svc, a.cfg, a.log); err != nil {
			return fmt.Errorf("create bot: %w", err)
		}
	} else {
		a.log.Info("TELEGRAM_BOT_TOKEN is not set, bot disabled")
	}
	if a.cfg.AdminToken == "" {
		a.log.Warn("ADMIN_TOKEN is not set, admin API is unauthenticated")
	}

	srv := server.New(a.svc, a.cfg.AdminToken, a.log)

	a.log.Info("starting",
		"docket", a.cfg.Docket,
		"store", a.cfg.StoreBackend,
		"addr", a.cfg.HTTPAddr,
		"tick", a.cfg.CheckTick,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx, a.cfg.HTTPAddr)
	})
	if b != nil {
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	a.log.Info("stopped")
	return err
}
