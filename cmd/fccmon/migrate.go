package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"fcc_monitor/internal/config"
	"fcc_monitor/internal/storage"
	"fcc_monitor/migrations"
)

func migrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate <command>",
		Short: "Manage the SQLite store schema",
		Long: `Manage the SQLite store schema. The serve command applies pending
migrations on start; this command is for inspecting and rolling back.

Commands:
  up          Migrate to the latest version
  up-one      Migrate one version up
  down        Roll back one version
  status      Show migration status
  version     Show current version
  reset       Roll back all migrations`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "up-one", "down", "status", "version", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if cfg.StoreBackend != storage.BackendSQLite {
					return fmt.Errorf("migrations apply to the sqlite backend only, STORE_BACKEND is %s", cfg.StoreBackend)
				}
				dbPath = cfg.DatabasePath
			}
			return runMigrate(cmd.Context(), dbPath, args[0])
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to sqlite database (default: DATABASE_PATH)")
	return cmd
}

func runMigrate(ctx context.Context, dbPath, command string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		var res []*goose.MigrationResult
		if res, err = p.Up(ctx); err == nil {
			printResults(res...)
		}
	case "up-one":
		var res *goose.MigrationResult
		res, err = p.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Println("already at the latest version")
			err = nil
		} else if err == nil {
			printResults(res)
		}
	case "down":
		var res *goose.MigrationResult
		if res, err = p.Down(ctx); err == nil {
			printResults(res)
		}
	case "reset":
		var res []*goose.MigrationResult
		if res, err = p.DownTo(ctx, 0); err == nil {
			printResults(res...)
		}
	case "status":
		var statuses []*goose.MigrationStatus
		if statuses, err = p.Status(ctx); err == nil {
			for _, s := range statuses {
				applied := "-"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-8s %-20s %s\n", s.State, applied, s.Source.Path)
			}
		}
	case "version":
		var v int64
		if v, err = p.GetDBVersion(ctx); err == nil {
			fmt.Println(v)
		}
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

func printResults(res ...*goose.MigrationResult) {
	if len(res) == 0 {
		fmt.Println("no migrations to apply")
		return
	}
	for _, r := range res {
		fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
