package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "complaintd",
	Short: "Multi-tenant complaint processing orchestrator",
	Long:  "Runs consumer complaints through PII extraction, classification, similarity search, risk scoring, and solution generation, with durable per-stage state and polling APIs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
