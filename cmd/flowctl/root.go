package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/config"
	"dev/bravebird/browser-flow-go/pkg/observability"
)

// app carries what PersistentPreRunE resolved to the subcommands
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Log in to a site and navigate to a target page in a fresh browser session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(
		newRunCommand(a),
		newWorkerCommand(a),
		newServeCommand(a),
	)
	return root
}

// initialize loads configuration and sets up logging
func (a *app) initialize() error {
	v := viper.New()
	if err := config.Load(v, a.cfgFile); err != nil {
		return err
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		// Initialize a fallback logger so the failure is still reported
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "flowctl"})
		return fmt.Errorf("failed to load config: %w", err)
	}

	observability.InitializeLogger(cfg.Logger)
	a.cfg = cfg
	a.logger = observability.GetLogger()
	return nil
}
