package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/flow"
	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/secrets"
)

type runFlags struct {
	profile  string
	url      string
	contains string
	headed   bool
}

func newRunCommand(a *app) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one login-and-navigate flow in this process",
		Long: `Resolves the credential profile from FLOW_CREDENTIALS_<PROFILE>_IDENTITY and
FLOW_CREDENTIALS_<PROFILE>_SECRET, opens a fresh browser session, logs in,
navigates to the target and prints the outcome as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFlow(cmd.Context(), f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "credential profile name (required)")
	cmd.Flags().StringVar(&f.url, "url", "", "target URL (default from config)")
	cmd.Flags().StringVar(&f.contains, "expect-url-contains", "", "confirm arrival when the URL contains this fragment")
	cmd.Flags().BoolVar(&f.headed, "headed", false, "show the browser window")
	_ = cmd.MarkFlagRequired("profile")

	return cmd
}

// target applies the flag overrides to the configured target
func (f *runFlags) target(def models.NavigationTarget) models.NavigationTarget {
	t := def
	if f.url != "" {
		t = models.NavigationTarget{URL: f.url}
	}
	if f.contains != "" {
		t.Expect = models.URLContains(f.contains)
	}
	return t
}

func (a *app) runFlow(ctx context.Context, f *runFlags, out io.Writer) error {
	logger := a.logger

	target := f.target(a.cfg.Target)
	if err := target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	cred, err := secrets.NewEnvSource().Lookup(ctx, f.profile)
	if err != nil {
		return err
	}

	ctrl, err := newController(a.cfg, logger)
	if err != nil {
		return err
	}
	driver, err := newDriverFactory(a.cfg.Browser, logger)(a.cfg.Browser.Headless && !f.headed)
	if err != nil {
		return err
	}

	runner := flow.NewRunner(driver, ctrl, logger, flow.WithObserver(flow.ObserverFunc(func(c models.StateChange) {
		logger.Info("Session state changed",
			zap.String("session_id", c.SessionID),
			zap.String("from", string(c.From)),
			zap.String("to", string(c.To)))
	})))

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timing.RunTimeout)
	defer cancel()

	outcome, runErr := runner.Run(ctx, cred, target)

	report := struct {
		SessionID   string               `json:"session_id"`
		FinalState  models.SessionState  `json:"final_state"`
		FailedStep  string               `json:"failed_step,omitempty"`
		ErrorKind   string               `json:"error_kind,omitempty"`
		Error       string               `json:"error,omitempty"`
		Transitions []models.StateChange `json:"transitions"`
		ElapsedMS   int64                `json:"elapsed_ms"`
	}{
		SessionID:   outcome.SessionID,
		FinalState:  outcome.FinalState,
		FailedStep:  string(outcome.FailedStep),
		ErrorKind:   string(outcome.ErrorKind),
		Transitions: outcome.Transitions,
		ElapsedMS:   outcome.Elapsed.Milliseconds(),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}

	if runErr != nil {
		return fmt.Errorf("flow failed at %s: %w", outcome.FailedStep, runErr)
	}
	return nil
}
