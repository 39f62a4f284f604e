package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dsifry/metarelay/internal/cloud"
	"github.com/dsifry/metarelay/internal/dispatcher"
	"github.com/dsifry/metarelay/internal/handler"
	"github.com/dsifry/metarelay/internal/relay"
	"github.com/dsifry/metarelay/internal/store"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

const snapshotFileName = "last-sync.json"

type syncSnapshot struct {
	SyncedAt time.Time         `json:"synced_at"`
	Cursors  []store.CursorRow `json:"cursors"`
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run catch-up once per repo and exit",
	Long:  `Drains every configured repo's backlog against the remote event store without opening a live subscription, then exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return newConfigError(fmt.Errorf("config not loaded"))
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		registry, err := handler.Load(cfg.Handlers)
		if err != nil {
			return newConfigError(fmt.Errorf("load handlers: %w", err))
		}

		cloudClient := cloud.New(cfg.Cloud.URL, cfg.Cloud.Key)
		dp := dispatcher.New(st, cfg.Dispatcher.Concurrency, cfg.Dispatcher.StdoutCapBytes, cfg.Dispatcher.StderrCapBytes)

		ctx := context.Background()
		for _, repo := range cfg.Repos {
			worker := relay.NewWorker(repo, st, cloudClient, registry, dp)
			if err := worker.Init(ctx); err != nil {
				return fmt.Errorf("init repo %s: %w", repo.Name, err)
			}
			slog.Info("syncing repo", "repo", repo.Name)
			if err := worker.CatchupOnce(ctx); err != nil {
				return fmt.Errorf("sync repo %s: %w", repo.Name, err)
			}
			if err := worker.Stop(ctx); err != nil {
				slog.Warn("failed to close repo journal", "repo", repo.Name, "error", err)
			}
		}

		if err := writeSyncSnapshot(st, cfg.Daemon.WorkspacePath); err != nil {
			slog.Warn("failed to write sync snapshot", "error", err)
		}

		slog.Info("sync complete", "repos", len(cfg.Repos))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// writeSyncSnapshot atomically writes the post-sync cursor table to a
// sidecar JSON file outside the SQLite store, so an operator (or a
// monitoring script) can read the last known good state without taking a
// lock on the database.
func writeSyncSnapshot(st *store.Store, workspacePath string) error {
	rows, err := st.ListCursors()
	if err != nil {
		return fmt.Errorf("list cursors: %w", err)
	}

	base, err := store.ResolveWorkspacePath(workspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	data, err := json.MarshalIndent(syncSnapshot{SyncedAt: time.Now().UTC(), Cursors: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(base, snapshotFileName)
	return atomic.WriteFile(path, bytes.NewReader(data))
}
