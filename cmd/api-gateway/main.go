package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/pkg/config"
	"github.com/noah-isme/complaint-desk-api/pkg/logger"
)

// @title Complaint Desk API
// @version 1.0.0
// @description Complaint lifecycle: filing, triage, resolution, comments, attachments and live staff notifications.
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	rootCmd := &cobra.Command{
		Use:           "complaint-desk",
		Short:         "Complaint Desk API server and tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and the logger shared by every command.
func bootstrap() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	return cfg, logr
}
