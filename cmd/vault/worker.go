package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/secure-image-vault/internal/audit"
	"github.com/kenneth/secure-image-vault/internal/config"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Persist queued audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	pool, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	var sink audit.Sink
	if pool != nil {
		defer pool.Close()
		sink = audit.NewPostgresSink(pool)
	} else {
		logger.Warn("No database configured, audit entries will only be logged")
		sink = audit.NewLogrusSink(logger, cfg.Audit.SensitiveFields)
	}

	queues := map[string]int{"default": 1}
	if cfg.Queue.Name != "" {
		queues = map[string]int{cfg.Queue.Name: 1}
	}
	srv := asynq.NewServer(redisOpt(cfg.Queue), asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues:      queues,
		Logger:      logger,
	})

	if err := srv.Start(audit.NewProcessor(sink).Handler()); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"redis_addr": cfg.Queue.RedisAddr,
		"queue":      cfg.Queue.Name,
		"sink":       sink.Name(),
	}).Info("Audit worker started")

	<-ctx.Done()
	srv.Shutdown()
	logger.Info("Audit worker stopped")
	return nil
}
