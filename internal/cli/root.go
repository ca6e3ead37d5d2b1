package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/senni000/crypto-data-binance/internal/app"
	"github.com/senni000/crypto-data-binance/internal/config"
	"github.com/senni000/crypto-data-binance/internal/logging"
)

var (
	roleFlag  string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "binance-data",
	Short: "Binance market-data acquisition pipeline",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}
		if roleFlag != "" {
			if err := os.Setenv("BINANCE_PROCESS_ROLE", roleFlag); err != nil {
				return err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.New(cfg, logger)
		return nil
	},
}

// Execute runs the root command. Bootstrap failures exit 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&roleFlag, "role", "", "Process role (ingest, aggregate, alert); overrides BINANCE_PROCESS_ROLE")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override configured log level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
