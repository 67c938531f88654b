package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind              string
	port              int
	settings          string
	heartbeatInterval time.Duration
	heartbeatMisses   int
	slackToken        string
	slackChannel      string
	shutdownTimeout   time.Duration
	verbose           bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if (c.slackToken == "") != (c.slackChannel == "") {
		return errors.New("both --slack-token and --slack-channel must be provided together")
	}
	if c.heartbeatInterval <= 0 || c.heartbeatMisses < 1 {
		return errors.New("--heartbeat-interval and --heartbeat-misses must be positive")
	}
	return nil
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.bind, c.port)
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WHISPERHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "house",
		Short:         "Coordinates the phases of whisperhouse games.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WHISPERHOUSE_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: WHISPERHOUSE_PORT)")
	fs.StringVarP(&cfg.settings, "settings", "s", "", "YAML settings preset used when a game brings none (env: WHISPERHOUSE_SETTINGS)")
	fs.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 5*time.Second, "expected participant heartbeat period (env: WHISPERHOUSE_HEARTBEAT_INTERVAL)")
	fs.IntVar(&cfg.heartbeatMisses, "heartbeat-misses", 3, "missed heartbeats before a participant is inactive (env: WHISPERHOUSE_HEARTBEAT_MISSES)")
	fs.StringVar(&cfg.slackToken, "slack-token", "", "bot token used to mirror channel traffic to Slack (env: WHISPERHOUSE_SLACK_TOKEN)")
	fs.StringVar(&cfg.slackChannel, "slack-channel", "", "Slack channel receiving mirrored traffic (env: WHISPERHOUSE_SLACK_CHANNEL)")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for in-flight requests on shutdown (env: WHISPERHOUSE_SHUTDOWN_TIMEOUT)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "log at debug level (env: WHISPERHOUSE_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("house v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
