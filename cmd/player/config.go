package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	house             string
	game              string
	id                string
	persona           string
	completion        string
	replies           []string
	lobbyMessages     int
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	temperature       float64
	maxTokens         int
	verbose           bool
}

func (c *Config) validate() error {
	if c.game == "" || c.id == "" {
		return errors.New("both --game and --id are required")
	}
	if _, err := c.busURL(); err != nil {
		return err
	}
	if c.lobbyMessages < 0 {
		return fmt.Errorf("invalid lobby message count: %d", c.lobbyMessages)
	}
	return nil
}

// busURL turns the house base URL into the WebSocket URL of its bus.
func (c *Config) busURL() (string, error) {
	u, err := url.Parse(c.house)
	if err != nil {
		return "", fmt.Errorf("invalid house url %q: %w", c.house, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid house url %q: scheme must be http or https", c.house)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/bus"
	return u.String(), nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WHISPERHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "player",
		Short:         "Plays one seat of a whisperhouse game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return play(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.house, "house", "http://localhost:8080", "base URL of the house (env: WHISPERHOUSE_HOUSE)")
	fs.StringVarP(&cfg.game, "game", "g", "", "game to join (env: WHISPERHOUSE_GAME)")
	fs.StringVarP(&cfg.id, "id", "i", "", "participant id (env: WHISPERHOUSE_ID)")
	fs.StringVar(&cfg.persona, "persona", "", "persona prepended to every prompt (env: WHISPERHOUSE_PERSONA)")
	fs.StringVar(&cfg.completion, "completion", "", "completion endpoint; canned replies are used when empty (env: WHISPERHOUSE_COMPLETION)")
	fs.StringSliceVar(&cfg.replies, "reply", nil, "canned reply, repeatable (env: WHISPERHOUSE_REPLY)")
	fs.IntVar(&cfg.lobbyMessages, "lobby-messages", 3, "messages to post when the lobby opens (env: WHISPERHOUSE_LOBBY_MESSAGES)")
	fs.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 5*time.Second, "heartbeat period, 0 disables (env: WHISPERHOUSE_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 500*time.Millisecond, "channel poll period (env: WHISPERHOUSE_POLL_INTERVAL)")
	fs.Float64Var(&cfg.temperature, "temperature", 0.8, "sampling temperature (env: WHISPERHOUSE_TEMPERATURE)")
	fs.IntVar(&cfg.maxTokens, "max-tokens", 256, "completion length limit (env: WHISPERHOUSE_MAX_TOKENS)")
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
	cmd.SetVersionTemplate("player v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
