package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/agentbus-go/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentbus configuration",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("🚌 agentbus Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Guarantee: %s\n", cfg.Bus.Guarantee)
	fmt.Printf("Queue size: %d\n", cfg.Bus.QueueSize)
	fmt.Printf("Max retries: %d (base delay %s)\n", cfg.Bus.MaxRetries, cfg.Bus.BaseDelay())
	fmt.Printf("Heartbeat timeout: %s\n", cfg.Registry.HeartbeatTimeout())
	fmt.Printf("Aggregation: %s (ANR %s/%s)\n",
		cfg.Progress.Strategy, cfg.Progress.ANRInterval(), cfg.Progress.ANRThreshold())
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	if cfg.Redis.URL != "" {
		fmt.Printf("Redis mirror: %s (db %d)\n", cfg.Redis.URL, cfg.Redis.DB)
	} else {
		fmt.Println("Redis mirror: disabled")
	}
	if cfg.Bus.RulesDir != "" {
		fmt.Printf("Routing rules: %s\n", cfg.Bus.RulesDir)
	}

	return nil
}
