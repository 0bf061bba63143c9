package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/edu-sync/internal/config"
	"github.com/alexjbarnes/edu-sync/internal/connectivity"
	"github.com/alexjbarnes/edu-sync/internal/coordinator"
	"github.com/alexjbarnes/edu-sync/internal/domains"
	"github.com/alexjbarnes/edu-sync/internal/engine"
	"github.com/alexjbarnes/edu-sync/internal/gateway"
	"github.com/alexjbarnes/edu-sync/internal/identity"
	"github.com/alexjbarnes/edu-sync/internal/logging"
	"github.com/alexjbarnes/edu-sync/internal/mcpserver"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/notify"
	"github.com/alexjbarnes/edu-sync/internal/offline"
	"github.com/alexjbarnes/edu-sync/internal/realtime"
	"github.com/alexjbarnes/edu-sync/internal/server"
	"github.com/alexjbarnes/edu-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// recentAdvisories is how many advisories sync_status reports.
const recentAdvisories = 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("edu-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("realtime", cfg.RealtimeURL != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	mounted, err := registry.Resolve(cfg.SyncDomains)
	if err != nil {
		return fmt.Errorf("resolving SYNC_DOMAINS: %w", err)
	}

	gw, err := gateway.NewHTTP(gateway.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Paths:   registry.Paths(),
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Assigned before any coordinator touches storage.
	var eng *engine.Engine

	onUnavailable := func(err error) {
		if eng != nil {
			eng.StorageUnavailable(err)
		}
	}

	var durable offline.Medium

	appState, stateErr := state.LoadAt(cfg.StatePath)
	if stateErr != nil {
		logger.Warn("opening state, continuing in memory", slog.String("path", cfg.StatePath), slog.String("error", stateErr.Error()))
	} else {
		defer appState.Close()

		durable = appState
	}

	medium := offline.NewGuard(durable, logger, onUnavailable)

	recent := notify.NewRecent(recentAdvisories)
	sink := notify.Multi(notify.NewLog(logger), recent)

	monitor := connectivity.NewMonitor(false)
	checker := connectivity.NewChecker(cfg.HealthURL, cfg.CheckInterval, monitor, logger.With(slog.String("service", "connectivity")))

	ids := identity.NewFileProvider(cfg.SessionFile, logger.With(slog.String("service", "identity")))

	var rt coordinator.RealtimeConfig
	if cfg.RealtimeURL != "" {
		rt = coordinator.RealtimeConfig{
			Dial:        realtime.WebSocketDialer(cfg.RealtimeURL, cfg.APIToken),
			Token:       cfg.APIToken,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		}
	}

	eng = engine.New(engine.Config{
		Registry:         registry,
		Domains:          mounted,
		Identity:         ids,
		Connectivity:     monitor,
		Gateway:          gw,
		Medium:           medium,
		Notifier:         sink,
		Logger:           logger.With(slog.String("service", "sync")),
		Realtime:         rt,
		DrainMaxFailures: cfg.DrainMaxFailures,
	})

	if stateErr != nil {
		eng.StorageUnavailable(stateErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mount against a real connectivity reading rather than the initial
	// offline guess.
	checker.Check(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return checker.Run(gctx)
	})

	g.Go(func() error {
		return ids.Watch(gctx)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, eng, recent, logger)
		})
	}

	return g.Wait()
}

// loadRegistry builds the domain registry from the built-ins and the
// optional overrides file.
func loadRegistry(cfg *config.Config) (*domains.Registry, error) {
	registry := domains.NewRegistry(cfg.DedupWindow)

	if cfg.DomainsFile == "" {
		return registry, nil
	}

	overrides, err := domains.LoadOverrides(cfg.DomainsFile)
	if err != nil {
		return nil, err
	}

	if err := registry.Apply(overrides); err != nil {
		return nil, err
	}

	return registry, nil
}

// runMCP serves the inspection tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, eng *engine.Engine, recent *notify.Recent, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "edu-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng, recent)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
			Version:    Version,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Any("domains", domainNames(eng.Domains())),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func domainNames(ds []models.Domain) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}

	return out
}
