package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/database"
	"dev/bravebird/browser-flow-go/pkg/secrets"
	"dev/bravebird/browser-flow-go/pkg/temporal/activities"
	"dev/bravebird/browser-flow-go/pkg/temporal/workflows"
)

func newWorkerCommand(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker executing flow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := dialTemporal(a.cfg.Temporal, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			db := openDatabase(ctx, a.cfg.Database, a.logger)
			if db != nil {
				defer db.Close()
			}

			w, err := a.newWorker(c, db, concurrency)
			if err != nil {
				return err
			}
			return runWorker(ctx, w, a.logger)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "maximum concurrent browser sessions")
	return cmd
}

// newWorker registers the flow workflow and activities on the task queue
func (a *app) newWorker(c client.Client, db *database.DB, concurrency int) (worker.Worker, error) {
	ctrl, err := newController(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	// Leave the interface nil rather than holding a nil *DB
	var store activities.RunStore
	if db != nil {
		store = db
	}

	acts := activities.NewActivities(secrets.NewEnvSource(), newDriverFactory(a.cfg.Browser, a.logger), ctrl, store, a.logger)

	w := worker.New(c, a.cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	// Register workflows
	w.RegisterWorkflow(workflows.LoginNavigateWorkflow)

	// Register activities
	w.RegisterActivity(acts)

	return w, nil
}

// runWorker blocks until ctx is canceled
func runWorker(ctx context.Context, w worker.Worker, logger *zap.Logger) error {
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info("Temporal worker started")

	<-ctx.Done()

	logger.Info("Stopping Temporal worker")
	w.Stop()
	return nil
}
