package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcplane/internal/api"
	"mcplane/internal/config"
	"mcplane/internal/orchestrator"
	"mcplane/internal/registry"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mcplane",
	Short: "mcplane - MCP server orchestration control plane",
	Long: `mcplane distributes tool-execution requests across a pool of MCP
worker servers. It probes each server's health endpoint, isolates
faulty servers behind per-server circuit breakers, and routes each
request according to the configured load-balancing strategy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the control plane until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		orch, store, err := buildOrchestrator(cfg, logger)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := registerServers(ctx, orch, store, cfg.Servers); err != nil {
			return err
		}

		// Bring the pool up before accepting traffic.
		if err := orch.ProbeNow(ctx); err != nil {
			logger.Warn("initial probe cycle failed", zap.Error(err))
		}
		orch.Start(ctx)
		defer orch.Stop()

		watcher, err := config.NewWatcher(cfgPath, logger.Named("config"), func(next *config.Config) {
			syncServers(ctx, orch, next.Servers)
		})
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}

		admin := api.New(cfg.Admin.Listen, orch, logger.Named("api"))
		errCh := make(chan error, 1)
		go func() { errCh <- admin.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("admin API failed: %w", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return admin.Shutdown(shutdownCtx)
	},
}

// buildOrchestrator constructs the orchestrator (and registry store
// when enabled) from file configuration.
func buildOrchestrator(cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, *registry.Store, error) {
	strategy, err := orchestrator.ParseStrategy(cfg.Orchestration.Strategy)
	if err != nil {
		return nil, nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		ProbeInterval:      cfg.GetProbeInterval(),
		ProbeTimeout:       cfg.GetProbeTimeout(),
		ForwardTimeout:     cfg.GetForwardTimeout(),
		MaxRetries:         cfg.Orchestration.MaxRetries,
		RetryDelay:         cfg.GetRetryDelay(),
		Strategy:           strategy,
		StickySessions:     cfg.Orchestration.StickySessions,
		SessionTimeout:     cfg.GetSessionTimeout(),
		CircuitBreaker:     cfg.Orchestration.CircuitBreaker.Enabled,
		BreakerThreshold:   cfg.Orchestration.CircuitBreaker.FailureThreshold,
		BreakerOpenTimeout: cfg.GetBreakerOpenTimeout(),
	}, logger.Named("orchestrator"))

	var store *registry.Store
	if cfg.Registry.Enabled {
		store, err = registry.Open(cfg.Registry.Path, logger.Named("registry"))
		if err != nil {
			return nil, nil, err
		}
		orch.AttachRegistry(store)
	}
	return orch, store, nil
}

// serverDef derives a stable ServerDef from a config entry so repeated
// config reloads do not churn registrations.
func serverDef(s config.ServerConfig) orchestrator.ServerDef {
	id := s.ID
	if id == "" {
		id = s.Name
	}
	if id == "" {
		id = s.URL
	}
	return orchestrator.ServerDef{
		ID:                id,
		Name:              s.Name,
		URL:               s.URL,
		Weight:            s.Weight,
		MaxConnections:    s.MaxConnections,
		FailoverThreshold: s.FailoverThreshold,
		RecoveryThreshold: s.RecoveryThreshold,
	}
}

// registerServers registers persisted servers first, then the ones from
// the config file, skipping duplicates.
func registerServers(ctx context.Context, orch *orchestrator.Orchestrator, store *registry.Store, servers []config.ServerConfig) error {
	seen := map[string]bool{}

	if store != nil {
		defs, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load persisted servers: %w", err)
		}
		for _, def := range defs {
			if _, err := orch.AddServer(ctx, def); err != nil {
				logger.Warn("skipping persisted server", zap.String("server", def.ID), zap.Error(err))
				continue
			}
			seen[def.ID] = true
		}
	}

	for _, s := range servers {
		def := serverDef(s)
		if seen[def.ID] {
			continue
		}
		if _, err := orch.AddServer(ctx, def); err != nil {
			return fmt.Errorf("failed to register server %s: %w", def.ID, err)
		}
	}
	return nil
}

// syncServers diffs the reloaded config's server list into the live
// pool: new entries are registered, vanished entries deregistered.
func syncServers(ctx context.Context, orch *orchestrator.Orchestrator, servers []config.ServerConfig) {
	want := map[string]orchestrator.ServerDef{}
	for _, s := range servers {
		def := serverDef(s)
		want[def.ID] = def
	}

	have := map[string]bool{}
	for _, d := range orch.ServerDetails() {
		have[d.ID] = true
		if _, ok := want[d.ID]; !ok {
			if err := orch.RemoveServer(ctx, d.ID); err != nil {
				logger.Warn("failed to deregister server", zap.String("server", d.ID), zap.Error(err))
			}
		}
	}
	for id, def := range want {
		if have[id] {
			continue
		}
		if _, err := orch.AddServer(ctx, def); err != nil {
			logger.Warn("failed to register server", zap.String("server", id), zap.Error(err))
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "mcplane.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serversCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
