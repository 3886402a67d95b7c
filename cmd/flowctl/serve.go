package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dev/bravebird/browser-flow-go/pkg/api"
	"dev/bravebird/browser-flow-go/pkg/database"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		withWorker  bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for submitting and following flow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), withWorker, concurrency)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run a Temporal worker in this process")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "maximum concurrent browser sessions for the embedded worker")
	return cmd
}

func (a *app) serve(ctx context.Context, withWorker bool, concurrency int) error {
	logger := a.logger

	c, err := dialTemporal(a.cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	db := openDatabase(ctx, a.cfg.Database, logger)
	if db != nil {
		defer db.Close()
	}

	handlers := api.NewHandlers(runStore(db), api.NewTemporalWorkflows(c, a.cfg.Temporal.TaskQueue), api.Options{
		Target:         a.cfg.Target,
		Headless:       a.cfg.Browser.Headless,
		TimeoutSeconds: int(a.cfg.Timing.RunTimeout / time.Second),
		StreamInterval: a.cfg.API.StreamInterval,
	}, logger)

	server := &http.Server{
		Addr:         a.cfg.API.Addr,
		Handler:      api.NewRouter(handlers, a.cfg.API.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var w worker.Worker
	if withWorker {
		if w, err = a.newWorker(c, db, concurrency); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if w != nil {
		g.Go(func() error {
			return runWorker(gctx, w, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// runStore keeps a missing database as a nil interface
func runStore(db *database.DB) api.RunStore {
	if db == nil {
		return nil
	}
	return db
}
