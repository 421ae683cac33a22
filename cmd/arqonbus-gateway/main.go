// Command arqonbus-gateway is the ArqonBus message bus entrypoint: it
// loads configuration, constructs every C1-C10 component, runs startup
// preflight, and serves the client WebSocket edge, the telemetry
// broadcast listener, and the admin HTTP surface until a shutdown signal
// arrives. Grounded on the teacher's cmd/api/main.go sequencing (load
// config -> construct components, each logged and fail-fast -> start
// servers -> graceful shutdown on SIGTERM).
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/circuitbreaker"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/gateway"
	"github.com/arqonbus/bus/internal/gatewaysession"
	"github.com/arqonbus/bus/internal/history"
	"github.com/arqonbus/bus/internal/metrics"
	"github.com/arqonbus/bus/internal/omega"
	"github.com/arqonbus/bus/internal/preflight"
	"github.com/arqonbus/bus/internal/ratelimit"
	"github.com/arqonbus/bus/internal/routing"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/arqonbus/bus/internal/telemetry"
)

func main() {
	cfg := config.Get()
	slog.Info("arqonbus: configuration loaded", "profile", cfg.Server.Profile, "storage_backend", cfg.Storage.Backend)

	m := metrics.New()
	breakers := circuitbreaker.NewGatewayCircuitBreakers()

	storageBackend, closeBackend := buildStorageBackend(cfg)
	if closeBackend != nil {
		defer closeBackend()
	}
	storageAdapter := storage.New(storage.Mode(cfg.Storage.Mode), storageBackend, breakers.Storage, m.StorageDegraded)

	if r := preflight.Run(context.Background(), cfg, storageAdapter); !r.OK {
		log.Fatalf("arqonbus: preflight failed: %s", r.Reason)
	}
	slog.Info("arqonbus: preflight passed")

	casilEngine := casil.NewEngine(buildCASILSnapshot(cfg))
	casilAdmin := casil.NewAdmin(casilEngine)

	fabric := routing.New()
	historyStore := history.New(cfg.Storage.HistorySize, storageAdapter)

	var lane *omega.Lane
	if cfg.Omega.Enabled {
		lane = omega.New(true, cfg.Omega.MaxSubstrates, cfg.Omega.MaxEvents).
			WithTokenBroker(omega.NewTokenBroker(cfg.Auth.JWTSecret, 5*time.Minute))
	} else {
		lane = omega.New(false, cfg.Omega.MaxSubstrates, cfg.Omega.MaxEvents)
	}
	omegaAdapter := omega.NewAdapter(lane)

	dispatcher := command.New(fabric, historyStore, storageAdapter, casilAdmin, omegaAdapter)

	authenticator := gatewaysession.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm)
	sessions := gatewaysession.NewManager(cfg.Server.MaxConnections, cfg.Server.MaxConnections*4, time.Minute)

	telemetryBus := telemetry.New("arqonbus-gateway", cfg.Telemetry.BufferSize, m.TelemetryDropped)

	srv := gateway.New(gateway.Deps{
		Config:       cfg,
		Fabric:       fabric,
		History:      historyStore,
		Storage:      storageAdapter,
		CASIL:        casilEngine,
		CASILAdmin:   casilAdmin,
		Dispatcher:   dispatcher,
		Sessions:     sessions,
		Auth:         authenticator,
		Seq:          envelope.NewSequenceGenerator(),
		Dedup:        envelope.NewDedupWindow(10000),
		TelemetryBus: telemetryBus,
		Metrics:      m,
		GlobalLimit:  ratelimit.New(ratelimit.Config{MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute * 10, BurstSize: cfg.RateLimit.BurstSize * 10}),
		SessionLimit: ratelimit.New(ratelimit.Config{MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute, BurstSize: cfg.RateLimit.BurstSize}),
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	go srv.RunTelemetryBroadcaster(shutdownCtx)

	mainServer := &http.Server{Addr: cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port), Handler: srv.Router()}
	telemetryServer := &http.Server{Addr: cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.TelemetryPort), Handler: srv.TelemetryRouter()}

	go func() {
		slog.Info("arqonbus: client listener starting", "addr", mainServer.Addr)
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("arqonbus: client listener failed: %v", err)
		}
	}()
	go func() {
		slog.Info("arqonbus: telemetry listener starting", "addr", telemetryServer.Addr)
		if err := telemetryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("arqonbus: telemetry listener failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("arqonbus: shutdown signal received, draining sessions")
	shutdownCancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownDrainSec+5)*time.Second)
	defer cancel()

	srv.Shutdown(drainCtx)
	mainServer.Shutdown(drainCtx)
	telemetryServer.Shutdown(drainCtx)
	slog.Info("arqonbus: shutdown complete")
}

// buildStorageBackend constructs the configured durability backend.
// closeFn is nil in memory mode.
func buildStorageBackend(cfg *config.Config) (storage.Backend, func()) {
	switch cfg.Storage.Backend {
	case "redis":
		adapter, err := storage.NewGoRedisAdapter(cfg.Storage.ValkeyURL, "", 0)
		if err != nil {
			if cfg.Storage.Mode == "strict" {
				log.Fatalf("arqonbus: redis backend required in strict mode: %v", err)
			}
			slog.Warn("arqonbus: redis connection failed, running degraded", "error", err)
			return storage.Backend{}, nil
		}
		return storage.Backend{Redis: adapter}, func() { adapter.Close() }
	case "postgres":
		adapter, err := storage.NewPostgresAdapter(cfg.Storage.PostgresURL)
		if err != nil {
			if cfg.Storage.Mode == "strict" {
				log.Fatalf("arqonbus: postgres backend required in strict mode: %v", err)
			}
			slog.Warn("arqonbus: postgres connection failed, running degraded", "error", err)
			return storage.Backend{}, nil
		}
		return storage.Backend{SQL: adapter}, func() { adapter.Close() }
	default:
		return storage.Backend{}, nil
	}
}

// buildCASILSnapshot compiles the policy snapshot installed at startup
// (spec.md §4.3); a disabled engine still installs a compiled, disabled
// snapshot so op.casil.reload has something to diff against later.
func buildCASILSnapshot(cfg *config.Config) *casil.Snapshot {
	snap := &casil.Snapshot{
		Enabled:               cfg.CASIL.Enabled,
		Mode:                  casil.Mode(cfg.CASIL.Mode),
		DefaultDecision:       casil.Decision(cfg.CASIL.DefaultDecision),
		ScopeInclude:          cfg.CASIL.ScopeInclude,
		ScopeExclude:          cfg.CASIL.ScopeExclude,
		MaxInspectBytes:       cfg.CASIL.MaxInspectBytes,
		OversizeBehavior:      casil.OversizeBlock,
		RedactionPatterns:     cfg.CASIL.RedactionPatterns,
		PersistMetadata:       cfg.CASIL.PersistMetadata,
		BlockOnProbableSecret: cfg.CASIL.BlockOnProbableSecret,
		MaxPolicies:           cfg.CASIL.MaxPolicies,
		MaxPatterns:           cfg.CASIL.MaxPatterns,
	}
	if err := casil.Compile(snap); err != nil {
		// preflight.Run compiles this snapshot only when CASIL is
		// enabled; with CASIL disabled, a compile failure is first
		// reported here.
		log.Fatalf("arqonbus: casil snapshot failed to compile: %v", err)
	}
	return snap
}
