// Command owork runs the agent orchestration service: the HTTP gateway,
// the conversation supervisor, and the background sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiehust/owork/internal/agent"
	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/config"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/gateway"
	"github.com/xiehust/owork/internal/plugin"
	"github.com/xiehust/owork/internal/skill"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/supervisor"
	"github.com/xiehust/owork/internal/workspace"
)

const messageSweepInterval = time.Hour

func main() {
	configPath := flag.String("config", "", "path to the configuration directory")
	agentBinary := flag.String("agent-binary", "claude", "agent CLI binary to launch")
	flag.Parse()

	if err := run(*configPath, *agentBinary); err != nil {
		fmt.Fprintf(os.Stderr, "owork: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, agentBinary string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer eventBus.Close()

	workspaces := workspace.NewManager(cfg.Workspace, store, log)
	skills := skill.NewManager(cfg.Skills.StagingRoot, store, workspaces, log)
	plugins := plugin.NewManager(cfg.Plugins, store, log)
	permBroker := broker.NewPermissionBroker(store, eventBus, log)
	runtime := agent.NewCLIRuntime(agentBinary, log)
	sup := supervisor.NewSupervisor(cfg, store, eventBus, permBroker, workspaces, runtime, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	permBroker.StartSweeper(ctx, 30*time.Second, cfg.Permissions.WaitTimeoutDuration())
	startMessageSweep(ctx, store, log)

	if _, err := skills.Refresh(ctx); err != nil {
		log.Warn("Initial skill refresh failed", zap.Error(err))
	}

	server := gateway.New(cfg, store, eventBus, sup, skills, plugins, workspaces, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSEventBus(cfg.NATS, log)
	}
	return bus.NewMemoryEventBus(log), nil
}

// startMessageSweep deletes expired transcript messages periodically.
func startMessageSweep(ctx context.Context, store *storage.Store, log *logger.Logger) {
	go func() {
		ticker := time.NewTicker(messageSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.CleanupExpiredMessages(ctx)
				if err != nil {
					log.Warn("Message TTL sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("Removed expired messages", zap.Int64("count", removed))
				}
			}
		}
	}()
}
