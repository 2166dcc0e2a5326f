package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Recover stuck audits",
	Long:  "Finds processing audits whose heartbeat went stale and heals, fails or requeues them. Runs until interrupted unless --once is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, config.ModeAdmin)
		if err != nil {
			return err
		}
		defer env.Close()

		if once, _ := cmd.Flags().GetBool("once"); once {
			res, err := env.Checker.Check(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		env.Checker.Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.Flags().Bool("once", false, "run a single recovery pass and print the result")
	rootCmd.AddCommand(monitorCmd)
}
