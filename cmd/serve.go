package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/api"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/config"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/worker"
)

var (
	servePort    int
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves job intake, audit reads, the progress stream and admin controls. With --workers the process also consumes jobs, so the progress stream sees its transitions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := config.ModeServe
		if serveWorkers > 0 {
			mode = config.ModeWorker
			cfg.Worker.Count = serveWorkers
		}
		env, err := initEngine(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := api.New(api.Deps{
			Store:       env.Store,
			Queue:       env.Queue,
			Hub:         env.Hub,
			Collector:   env.Collector,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Serve(ctx, fmt.Sprintf(":%d", port)) })
		if serveWorkers > 0 {
			if env.Consumer == nil {
				return fmt.Errorf("serve --workers needs a lease queue, not %s", cfg.Queue.Driver)
			}
			pool := worker.NewPool(env.Consumer, env.Processor, serveWorkers)
			g.Go(func() error { return pool.Run(ctx) })
			if cfg.Worker.Monitor {
				g.Go(func() error { env.Checker.Run(ctx); return nil })
			}
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "also run this many in-process workers")
	rootCmd.AddCommand(serveCmd)
}
