package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/agentapi"
	"github.com/d1nch8g/voicetutor/config"
	"github.com/d1nch8g/voicetutor/logging"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "voicetutor",
		Short:        "Talk to your tutor: speak, see your voice, read the reply",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("agent-url", "", "tutor agent API base URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-dev", false, "human-readable console logs")
	flags.String("liveview-addr", "", "serve the live view websocket on this address, e.g. :8080")
	v.BindPFlag("agent_url", flags.Lookup("agent-url"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("log_dev", flags.Lookup("log-dev"))
	v.BindPFlag("liveview_addr", flags.Lookup("liveview-addr"))

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the voice session (Enter toggles listening, Ctrl-C quits)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runSession(cmd.Context(), cfg, logger)
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Check that the tutor agent API is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			h, err := agentapi.NewClient(cfg.AgentURL, logger).Health(ctx)
			if err != nil {
				return fmt.Errorf("agent API unavailable: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.AgentURL, h.Status)
			return nil
		},
	}

	root.RunE = run.RunE
	root.AddCommand(run, health)
	return root
}

func setup(v *viper.Viper) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
