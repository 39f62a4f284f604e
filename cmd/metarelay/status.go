package main

import (
	"fmt"

	"github.com/dsifry/metarelay/internal/store"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local cursor for every repo that has one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return newConfigError(fmt.Errorf("config not loaded"))
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		rows, err := st.ListCursors()
		if err != nil {
			return fmt.Errorf("list cursors: %w", err)
		}

		if len(rows) == 0 {
			fmt.Println("no repos have been synced yet")
			return nil
		}

		fmt.Printf("%-40s %s\n", "REPO", "CURSOR")
		for _, r := range rows {
			fmt.Printf("%-40s %d\n", r.Repo, r.LastID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
