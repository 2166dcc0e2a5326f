package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/queue"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume audit jobs from the lease queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()
		if env.Consumer == nil {
			return eris.Errorf("worker needs a lease queue; use temporal-worker for queue.driver %s", cfg.Queue.Driver)
		}

		pool := worker.NewPool(env.Consumer, env.Processor, cfg.Worker.Count)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(ctx) })
		if cfg.Worker.Monitor {
			g.Go(func() error { env.Checker.Run(ctx); return nil })
		}
		err = g.Wait()

		succeeded, failed, requeued := pool.Stats()
		zap.L().Info("worker stopped",
			zap.Int64("succeeded", succeeded),
			zap.Int64("failed", failed),
			zap.Int64("requeued", requeued),
		)
		return err
	},
}

var temporalWorkerCmd = &cobra.Command{
	Use:   "temporal-worker",
	Short: "Run audits as Temporal activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, config.ModeTemporalWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return queue.RunTemporalWorker(ctx, env.Temporal, cfg.Queue.Temporal, env.Processor)
		})
		if cfg.Worker.Monitor {
			g.Go(func() error { env.Checker.Run(ctx); return nil })
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(temporalWorkerCmd)
}
