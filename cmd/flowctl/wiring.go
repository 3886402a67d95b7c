package main

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/browser/cdpbrowser"
	"dev/bravebird/browser-flow-go/pkg/browser/rodbrowser"
	"dev/bravebird/browser-flow-go/pkg/config"
	"dev/bravebird/browser-flow-go/pkg/controller"
	"dev/bravebird/browser-flow-go/pkg/database"
	"dev/bravebird/browser-flow-go/pkg/executor"
	"dev/bravebird/browser-flow-go/pkg/locator"
	"dev/bravebird/browser-flow-go/pkg/observability"
	"dev/bravebird/browser-flow-go/pkg/temporal/activities"
)

// newDriverFactory selects the browser backend named in cfg
func newDriverFactory(cfg config.BrowserConfig, logger *zap.Logger) activities.DriverFactory {
	return func(headless bool) (browser.Driver, error) {
		switch cfg.Driver {
		case config.DriverRod:
			return rodbrowser.New(rodbrowser.Options{
				Bin:        cfg.Bin,
				Headless:   headless,
				NoSandbox:  cfg.NoSandbox,
				ControlURL: cfg.ControlURL,
				UserAgent:  cfg.UserAgent,
			}, logger), nil
		case config.DriverChromedp:
			return cdpbrowser.New(cdpbrowser.Options{
				Bin:        cfg.Bin,
				Headless:   headless,
				NoSandbox:  cfg.NoSandbox,
				ControlURL: cfg.ControlURL,
				UserAgent:  cfg.UserAgent,
			}, logger), nil
		default:
			return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
		}
	}
}

// newController builds the login/navigate controller from the site contract
func newController(cfg *config.Config, logger *zap.Logger) (*controller.Controller, error) {
	login := controller.LoginPage{
		URL:              cfg.Site.LoginURL,
		IdentityField:    cfg.Site.IdentityField,
		SecretField:      cfg.Site.SecretField,
		Submit:           cfg.Site.Submit,
		Success:          cfg.Site.Success,
		FailureIndicator: cfg.Site.FailureIndicator,
	}
	if err := login.Validate(); err != nil {
		return nil, fmt.Errorf("invalid login page: %w", err)
	}

	timeouts := controller.Timeouts{
		PollInterval: cfg.Timing.PollInterval,
		Locate:       cfg.Timing.LocateTimeout,
		Auth:         cfg.Timing.AuthTimeout,
		Settle:       cfg.Timing.SettleTimeout,
		Navigate:     cfg.Timing.NavigateTimeout,
	}
	loc := locator.New(locator.Options{
		Timeout:      cfg.Timing.LocateTimeout,
		PollInterval: cfg.Timing.PollInterval,
	}, logger)

	return controller.New(login, timeouts, loc, executor.New(logger), logger), nil
}

// dialTemporal creates a Temporal client that logs through zap
func dialTemporal(cfg config.TemporalConfig, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    observability.NewTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}
	return c, nil
}

// openDatabase connects the run store. Persistence is optional: with no DSN
// or an unreachable database the caller runs without it.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) *database.DB {
	if cfg.DSN == "" {
		return nil
	}
	db, err := database.Open(cfg)
	if err != nil {
		logger.Warn("Failed to connect to database, running without persistence", zap.Error(err))
		return nil
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Warn("Failed to migrate database, running without persistence", zap.Error(err))
			db.Close()
			return nil
		}
	}
	return db
}
