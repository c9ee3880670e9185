package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"licensecore/internal/app"
	"licensecore/internal/config"
	"licensecore/pkg/contracts"
)

var rootCmd = &cobra.Command{
	Use:               "licensed",
	Version:           contracts.GetFullVersionString(),
	Short:             "Run the license and work unit metering daemon",
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	Args:              cobra.NoArgs,
	RunE:              rootCmdRun,
}

type rootFlags struct {
	configPath string
}

var rootArgs rootFlags

func init() {
	rootCmd.Flags().StringVarP(&rootArgs.configPath, "config", "c", "",
		"path to the YAML config file, defaults to "+config.ConfigFileEnv+" or ./config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rootCmdRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}
