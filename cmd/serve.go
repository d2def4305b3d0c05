package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/agentbus-go/internal/broker"
	"github.com/dayuer/agentbus-go/internal/bus"
	"github.com/dayuer/agentbus-go/internal/config"
	"github.com/dayuer/agentbus-go/internal/gateway"
	"github.com/dayuer/agentbus-go/internal/parser"
	"github.com/dayuer/agentbus-go/internal/progress"
	"github.com/dayuer/agentbus-go/internal/redis"
	"github.com/dayuer/agentbus-go/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentbus server",
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}

	fmt.Printf("🚌 Starting agentbus on port %d...\n", cfg.Gateway.Port)

	var mirror *redis.Client
	if cfg.Redis.URL != "" {
		mirror = redis.Connect(redis.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer mirror.Close()
	}

	busCfg := bus.Config{
		Guarantee:        broker.Guarantee(cfg.Bus.Guarantee),
		QueueSize:        cfg.Bus.QueueSize,
		MaxRetries:       cfg.Bus.MaxRetries,
		BaseDelay:        cfg.Bus.BaseDelay(),
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout(),
		CleanupInterval:  time.Duration(cfg.Bus.CleanupSecs) * time.Second,
	}
	if mirror != nil && mirror.Available() {
		busCfg.Mirror = mirror
		busCfg.OnHeartbeat = func(agentID string) {
			mirror.MirrorHeartbeat(context.Background(), agentID, time.Now())
		}
	}

	b := bus.New(busCfg)
	rulesDir := cfg.Bus.RulesDir
	if rulesDir == "" {
		rulesDir = utils.GetRulesPath()
	}
	if err := b.LoadRules(rulesDir); err != nil {
		return fmt.Errorf("loading routing rules: %w", err)
	}

	aggregator := progress.NewAggregator(progress.Strategy(cfg.Progress.Strategy))
	defer aggregator.Stop()
	b.AttachAggregator(aggregator)

	monitor := progress.NewMonitor(
		b.Registry(),
		cfg.Progress.ANRInterval(),
		cfg.Progress.ANRThreshold(),
		func(agentID string, silentFor time.Duration) {
			aggregator.MarkAgentTimeout(agentID)
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	b.Start(ctx)
	defer b.Stop()
	go monitor.Run(ctx)

	gw := gateway.New(gateway.Config{
		Host:   cfg.Gateway.Host,
		Port:   cfg.Gateway.Port,
		APIKey: os.Getenv("AGENTBUS_API_KEY"),
		Parser: parser.Config{
			MaxBuffer: cfg.Parser.MaxBufferBytes,
			MaxDepth:  cfg.Parser.MaxDepth,
		},
	}, b)

	return gw.Run(ctx)
}
