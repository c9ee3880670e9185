package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"licensecore/internal/config"
	"licensecore/internal/license"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Validate the configured license and print its status",
	Example: `  # Print the license status seen by a daemon using this config
  licensectl status --config /etc/licensecore/config.yaml
`,
	Args: cobra.NoArgs,
	RunE: statusCmdRun,
}

type statusFlags struct {
	configPath string
}

var statusArgs statusFlags

func init() {
	statusCmd.Flags().StringVarP(&statusArgs.configPath, "config", "c", "",
		"path to the daemon config file, defaults to "+config.ConfigFileEnv+" or ./config.yaml")
	rootCmd.AddCommand(statusCmd)
}

func statusCmdRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusArgs.configPath)
	if err != nil {
		return err
	}
	overrides, err := config.LoadOverrides(cfg.License.OverridesFile)
	if err != nil {
		return err
	}

	// Only warnings reach the terminal; stdout carries the status document.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	manager, err := license.NewManager(license.Options{
		Source: license.Source{
			FilePath: cfg.License.File,
			Inline:   cfg.License.Inline,
		},
		PublicKey:        cfg.License.PublicKey,
		RequireSignature: cfg.License.RequireSignature,
		GracePeriod:      cfg.License.GracePeriod,
		Overrides:        overrides,
		FreeTier:         cfg.FreeTier.Defaults(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rootArgs.timeout)
	defer cancel()
	manager.ValidateLicense(ctx)

	data, err := json.MarshalIndent(manager.Status(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
