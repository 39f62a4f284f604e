package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dsifry/metarelay/internal/config"
	merrors "github.com/dsifry/metarelay/internal/errors"
	"github.com/dsifry/metarelay/internal/logger"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "metarelay",
	Short: "Relay remote repository events to local command handlers",
	Long:  `metarelay bridges a remote append-only event stream to local shell-command dispatch, one worker per configured repository.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return newConfigError(err)
		}

		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			cfg.LogLevel = "debug"
		}
		logger.Setup(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, merrors.Redact(err))
		os.Exit(exitCodeForError(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.metarelay/config.yaml)")
	rootCmd.PersistentFlags().String("log_level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "shorthand for log_level=debug")
}

// exitCodeForError maps a top-level command failure to the process exit
// code: 1 for config/validation errors raised before the daemon ever
// starts running, 2 for everything else (fatal runtime errors).
func exitCodeForError(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 1
	}
	return 2
}

// configError marks an error as a pre-flight configuration/validation
// failure rather than a runtime failure, so Execute can choose exit code 1.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}
