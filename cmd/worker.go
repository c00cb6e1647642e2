package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasreg/carte-extractor/internal/pipeline"
	"github.com/atlasreg/carte-extractor/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a queue worker",
	Long:  "Consumes extraction tasks from the queue and processes them to a terminal state. Run alongside one or more serve processes sharing the same store and Redis queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		// Put deliveries stranded by a previous crash back on the queue.
		if rq, ok := env.Queue.(*queue.RedisQueue); ok {
			recovered, err := rq.RecoverPending(ctx)
			if err != nil {
				return err
			}
			if recovered > 0 {
				zap.L().Info("recovered stranded deliveries", zap.Int("count", recovered))
			}
		}

		w := pipeline.NewWorker(env.Queue, env.Pipeline, cfg.Pipeline.WorkerConcurrency)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
