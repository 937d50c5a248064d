package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotmem/pkg/bus"
	"github.com/dotsetgreg/dotmem/pkg/channels"
	"github.com/dotsetgreg/dotmem/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newGatewayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Discord ingestion gateway",
		Long: strings.TrimSpace(`Connect to Discord and record every allowed message as a memory. The memory
worker runs maintenance and autosave in the background; state is saved on
shutdown (Ctrl+C or SIGTERM).`),
		Example: "  dotmem gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(contextOrBackground(cmd.Context()), opts)
		},
	}
}

func runGateway(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	if !cfg.Channels.Discord.Enabled {
		return fmt.Errorf("channels.discord.enabled is false; nothing to ingest")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	manager, err := channels.NewManager(cfg, msgBus, engine)
	if err != nil {
		msgBus.Close()
		return errors.Join(fmt.Errorf("create channel manager: %w", err), engine.Close())
	}

	engine.Start(ctx)
	if err := manager.StartAll(ctx); err != nil {
		msgBus.Close()
		return errors.Join(err, engine.Close())
	}

	stats := engine.GetStats()
	logger.InfoCF("cli", "Gateway started", map[string]any{
		"channels": strings.Join(manager.GetEnabledChannels(), ","),
		"memories": stats.TotalMemories,
		"backend":  cfg.Backend(),
	})
	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(manager.GetEnabledChannels(), ", "))
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopErr := manager.StopAll(shutdownCtx)
	msgBus.Close()
	closeErr := engine.Close()
	if closeErr != nil {
		logger.ErrorCF("cli", "Final save failed", map[string]any{"error": closeErr.Error()})
	}
	fmt.Println("✓ Gateway stopped")
	return errors.Join(stopErr, closeErr)
}
