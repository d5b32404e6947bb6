// Factoryd is the agent factory daemon: a multi-phase pipeline that
// turns business requirements into deployable AI agent configurations.
//
// The daemon serves an HTTP API for creating agents, reviewing approval
// gates, and tuning the workflow engine at runtime. Configuration is
// loaded from a YAML file with environment-variable overrides; see
// internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory store)
//	factoryd
//
//	# Start with a config file
//	factoryd -config /etc/factoryd/config.yaml
//
//	# Show version information
//	factoryd version
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentfactory/internal/approval"
	"github.com/fyrsmithlabs/agentfactory/internal/config"
	"github.com/fyrsmithlabs/agentfactory/internal/engine"
	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/httpapi"
	"github.com/fyrsmithlabs/agentfactory/internal/logging"
	"github.com/fyrsmithlabs/agentfactory/internal/persistence"
	"github.com/fyrsmithlabs/agentfactory/internal/store"
	"github.com/fyrsmithlabs/agentfactory/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  factoryd           Start the factory daemon\n")
			fmt.Fprintf(os.Stderr, "  factoryd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("factoryd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the factory daemon and blocks until the context is
// cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and the structured logger
//  3. Open the document store (memory or NATS)
//  4. Wire persistence gateway, approval gate, generative client, engine
//  5. Start the config watcher for runtime engine tuning
//  6. Start the HTTP server
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.Enabled
	telCfg.Endpoint = cfg.Observability.Endpoint
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	telCfg.Insecure = cfg.Observability.Insecure

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("starting factoryd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_provider", cfg.Store.Provider),
		zap.Bool("telemetry_enabled", cfg.Observability.Enabled),
	)

	st, err := openStore(cfg, zl)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	gateway, err := persistence.NewGateway(nil, st, zl)
	if err != nil {
		st.Close()
		return fmt.Errorf("initializing persistence gateway: %w", err)
	}
	defer gateway.Close()

	approvals, err := approval.NewService(&approval.Config{
		TTL: cfg.Factory.ApprovalTTL.Duration(),
	}, gateway, zl)
	if err != nil {
		return fmt.Errorf("initializing approval gate: %w", err)
	}
	defer approvals.Close()

	client, err := generative.NewClient(&cfg.Generative, zl)
	if err != nil {
		return fmt.Errorf("initializing generative client: %w", err)
	}

	eng, err := engine.New(engine.FromFactoryConfig(cfg.Factory), gateway, client, approvals, zl)
	if err != nil {
		return fmt.Errorf("initializing workflow engine: %w", err)
	}
	defer eng.Close()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			if _, err := eng.UpdateConfig(enginePatch(next.Factory)); err != nil {
				zl.Warn("config reload rejected", zap.Error(err))
				return
			}
			zl.Info("engine config reloaded from file",
				zap.Float64("auto_approval_threshold", next.Factory.AutoApprovalThreshold),
				zap.Duration("phase_timeout", next.Factory.PhaseTimeout.Duration()),
			)
		})
		if err != nil {
			return fmt.Errorf("creating config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	srv, err := httpapi.NewServer(eng, approvals, zl, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the redacting structured logger from the main config.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.OTEL = cfg.Observability.Enabled

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level

	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// openStore selects the document-store backend.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Provider {
	case "nats":
		logger.Info("connecting to NATS store",
			zap.String("url", cfg.Store.URL),
			zap.String("bucket_prefix", cfg.Store.BucketPrefix),
		)
		return store.NewNATSStore(cfg.Store.URL, cfg.Store.BucketPrefix)
	default:
		logger.Info("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

// enginePatch converts a freshly loaded file config into a full engine
// patch. Every tunable is set, so a file reload is authoritative.
func enginePatch(fc config.FactoryConfig) *engine.Patch {
	threshold := fc.AutoApprovalThreshold
	timeout := fc.PhaseTimeout.Duration()
	retries := fc.MaxRetries
	autoRetry := fc.AutoRetry
	ttl := fc.ApprovalTTL.Duration()
	audit := fc.AuditEnabled
	return &engine.Patch{
		AutoApprovalThreshold: &threshold,
		PhaseTimeout:          &timeout,
		MaxRetries:            &retries,
		AutoRetry:             &autoRetry,
		ApprovalTTL:           &ttl,
		AuditEnabled:          &audit,
	}
}
