package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nidhogg/sentio/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentio:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFiles   []string
}

func buildRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "sentio",
		Short: "Orchestration and memory runtime with a streaming socket gateway",
		Long: strings.TrimSpace(`sentio routes user messages through registered cognitive modules,
keeps a shared state and an associative memory, and streams results to
socket clients through a batching delivery layer.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", envOr("SENTIO_CONFIG", ""), "Path to JSON config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "Extra .env files to load before the config")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newConfigCommand(flags))
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, err
	}
	return config.Load(f.configPath)
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the runtime and its HTTP/socket server",
		Example: "  sentio serve --config configs/sentio.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			redact(cfg)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func redact(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Synth.APIKey,
		&cfg.Embedding.APIKey,
		&cfg.Database.Postgres.DSN,
		&cfg.Database.Neo4j.Password,
		&cfg.Mirror.URL,
		&cfg.Alerts.Slack.BotToken,
		&cfg.Alerts.Discord.BotToken,
		&cfg.Alerts.Discord.WebhookToken,
	} {
		if *s != "" {
			*s = "****"
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
