package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dsifry/metarelay/internal/cloud"
	"github.com/dsifry/metarelay/internal/daemon"
	"github.com/dsifry/metarelay/internal/dispatcher"
	"github.com/dsifry/metarelay/internal/handler"
	"github.com/dsifry/metarelay/internal/relay"
	"github.com/dsifry/metarelay/internal/store"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the relay daemon until signalled to stop",
	Long:  `Starts one worker per configured repository: catch-up against the remote event store, then a live subscription, dispatching matched events to configured command handlers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return newConfigError(fmt.Errorf("config not loaded"))
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		registry, err := handler.Load(cfg.Handlers)
		if err != nil {
			return newConfigError(fmt.Errorf("load handlers: %w", err))
		}

		cloudClient := cloud.New(cfg.Cloud.URL, cfg.Cloud.Key)
		dp := dispatcher.New(st, cfg.Dispatcher.Concurrency, cfg.Dispatcher.StdoutCapBytes, cfg.Dispatcher.StderrCapBytes)

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("create daemon manager: %w", err)
		}

		for _, repo := range cfg.Repos {
			worker := relay.NewWorker(repo, st, cloudClient, registry, dp)
			daemonMgr.AddComponent(worker)
		}

		slog.Info("metarelay starting", "repos", len(cfg.Repos))
		err = daemonMgr.Start(context.Background())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("metarelay stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("metarelay stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
