package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leash-dev/leash/internal/eventlog"
	"github.com/leash-dev/leash/internal/maintenance"
	tracing "github.com/leash-dev/leash/internal/observability"
	"github.com/leash-dev/leash/internal/permission"
	"github.com/leash-dev/leash/internal/runner"
	anthropicrunner "github.com/leash-dev/leash/internal/runner/anthropic"
	"github.com/leash-dev/leash/internal/runner/sidecar"
	"github.com/leash-dev/leash/internal/runner/subprocess"
	"github.com/leash-dev/leash/internal/server"
	"github.com/leash-dev/leash/internal/session"
	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/config"
	"github.com/leash-dev/leash/pkg/observability"
	"github.com/leash-dev/leash/pkg/security"

	"github.com/anthropics/anthropic-sdk-go"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("LEASH_CONFIG", ""), "Configuration file")
	listenAddr = flag.String("addr", "", "API listen address (overrides config)")
	dataDir    = flag.String("data-dir", "", "File storage directory (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting leash supervisor v%s", Version)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize observability
	observability.InitMetrics()
	healthChecker := observability.NewHealthChecker()
	if err := tracing.Init(tracing.Config{
		Enabled:      cfg.Observability.EnableTracing,
		ExporterType: cfg.Observability.TracingBackend,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
	}); err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// Storage backend
	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Printf("Storage close: %v", err)
		}
	}()
	healthChecker.RegisterCheck(observability.StorageCheck(func(ctx context.Context) error {
		_, err := backend.ListSessions(ctx)
		return err
	}))

	// Engine
	eventLog := eventlog.New(backend, cfg.Server.EventQueueCap)
	perms := permission.New(eventLog, cfg.Permissions.Timeout)
	registry := runner.NewRegistry()
	if err := registerAdapters(cfg, registry, healthChecker); err != nil {
		log.Fatalf("Failed to register adapters: %v", err)
	}
	store := session.NewStore(backend, eventLog, perms, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover sessions: %v", err)
	}

	// Maintenance loop
	if cfg.Maintenance.Enabled {
		loop := maintenance.New(store, maintenance.Options{
			Schedule:    cfg.Maintenance.Schedule,
			Retention:   cfg.Maintenance.Retention,
			IdleTimeout: cfg.Maintenance.IdleTimeout,
			MaxSessions: cfg.Maintenance.MaxSessions,
		})
		if err := loop.Start(); err != nil {
			log.Fatalf("Failed to start maintenance loop: %v", err)
		}
		defer loop.Stop()
	}

	// Servers
	apiServer := server.New(store, server.Options{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	obsServer := observability.NewServer(cfg.Observability.Addr, healthChecker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("observability server listening on %s", cfg.Observability.Addr)
		if err := obsServer.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown: %v", err)
		}
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Observability server shutdown: %v", err)
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracing shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutdown complete")
}

func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Provider {
	case "redis":
		return storage.NewRedisBackend(storage.RedisConfig{
			Addr:       cfg.Storage.RedisAddr,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			Prefix:     cfg.Storage.RedisPrefix,
			SessionTTL: cfg.Storage.SessionTTL,
		})
	default:
		return storage.NewFileBackend(cfg.Storage.Dir, cfg.Storage.MaxEventBytes)
	}
}

func registerAdapters(cfg *config.Config, registry *runner.Registry, healthChecker *observability.HealthChecker) error {
	if cfg.Adapters.Subprocess.Enabled {
		adapter := subprocess.New(cfg.Adapters.Subprocess.WorkerPath, cfg.Adapters.Subprocess.WorkerArgs...)
		if err := registry.Register(adapter); err != nil {
			return err
		}
		log.Printf("Registered adapter: %s (%s)", adapter.Name(), cfg.Adapters.Subprocess.WorkerPath)
	}
	if cfg.Adapters.Anthropic.Enabled {
		adapter := anthropicrunner.New(func(o *anthropicrunner.Options) {
			o.APIKey = cfg.AnthropicKey
			o.Model = anthropic.Model(cfg.Adapters.Anthropic.Model)
			o.MaxTokens = cfg.Adapters.Anthropic.MaxTokens
			o.System = cfg.Adapters.Anthropic.System
		})
		if err := registry.Register(adapter); err != nil {
			return err
		}
		log.Printf("Registered adapter: %s (model %s)", adapter.Name(), cfg.Adapters.Anthropic.Model)
	}
	if cfg.Adapters.Sidecar.Enabled {
		if err := security.DefaultEndpointPolicy().ValidateEndpoint(cfg.Adapters.Sidecar.URL); err != nil {
			return err
		}
		adapter := sidecar.New(cfg.Adapters.Sidecar.URL, cfg.Adapters.Sidecar.Token)
		if err := registry.Register(adapter); err != nil {
			return err
		}
		healthChecker.RegisterCheck(observability.SidecarCheck("sidecar", adapter.Ping))
		log.Printf("Registered adapter: %s (%s)", adapter.Name(), cfg.Adapters.Sidecar.URL)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
