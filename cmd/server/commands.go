package main

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/fileparse/internal/config"
)

type versionInfo struct {
	Version string
	Commit  string
}

func newRootCommand(info versionInfo) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "fileparse",
		Short:         "File ingestion and progress server",
		Long:          "Accepts streamed CSV, TSV and XLSX uploads, parses them in the background and reports progress over server-sent events.",
		SilenceErrors: true,
		SilenceUsage:  true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.Version = fmt.Sprintf("%s.%s", info.Version, info.Commit)
	cmd.SetVersionTemplate("fileparse {{.Version}}\n")

	return cmd
}

// loadEnv applies the dotenv file over the process environment. A missing
// file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		slog.Debug("no env file loaded", "path", path, "error", err)
		return nil
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration the server would start with, as YAML.

Values come from the environment and the env file, with defaults applied.
Secrets are omitted and database credentials are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fileparse %s\n", cmd.Root().Version)
		},
	}
}
