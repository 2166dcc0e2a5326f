package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the store and queue schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeAdmin); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if cfg.Queue.Driver != "temporal" {
			if _, _, _, err := initQueue(ctx, st); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store (queue: %s)\n", cfg.Store.Driver, cfg.Queue.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
