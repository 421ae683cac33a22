// Package preflight implements C9: startup validation of profile and
// mandatory settings (spec.md §4.9). Every check here runs once before
// cmd/arqonbus-gateway binds its listener; any failure aborts process
// startup (spec.md: "Any failure aborts before the listener binds"). No
// hot-reload of the global config is supported — the one narrow
// exception, op.casil.reload, is handled entirely inside internal/casil
// and internal/command, not here. Grounded on the teacher's
// cmd/api/main.go startup sequencing (config load, then component
// construction, each step logging via slog and failing fast) adapted
// into a dedicated, testable validation pass rather than inline checks
// scattered across main.
package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/config"
)

var validProfiles = map[string]bool{"dev": true, "staging": true, "prod": true}

// Reachable is the narrow surface preflight needs from internal/storage
// to run its strict-mode reachability check, keeping this package free
// of a storage import cycle.
type Reachable interface {
	CheckReachability(ctx context.Context) error
}

// Result is the outcome of a preflight run: either ok, or the first
// failure encountered. Checks run in a fixed order and stop at the
// first failure, mirroring "fail-fast" rather than collecting every
// error — later checks may depend on the config a prior check already
// rejected.
type Result struct {
	OK     bool
	Reason string
}

func fail(format string, args ...interface{}) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}

var ok = Result{OK: true}

// Run executes every startup check against cfg, optionally probing
// storage reachability (storage may be nil when Storage.Backend ==
// "memory", in which case that check is skipped). ctx bounds the
// reachability probe.
func Run(ctx context.Context, cfg *config.Config, storage Reachable) Result {
	if r := checkProfile(cfg); !r.OK {
		return r
	}
	if r := checkBindings(cfg); !r.OK {
		return r
	}
	if r := checkSecretStrength(cfg); !r.OK {
		return r
	}
	if r := checkStorageReachability(ctx, cfg, storage); !r.OK {
		return r
	}
	if r := checkCASILSnapshot(cfg); !r.OK {
		return r
	}
	if r := checkOmega(cfg); !r.OK {
		return r
	}
	return ok
}

// checkProfile validates Server.Profile is one of dev/staging/prod
// (spec.md §4.9: "profile ∈ {dev, staging, prod}").
func checkProfile(cfg *config.Config) Result {
	if !validProfiles[cfg.Server.Profile] {
		return fail("invalid server profile %q: must be dev, staging, or prod", cfg.Server.Profile)
	}
	return ok
}

// checkBindings validates the required host/port bindings are present
// (spec.md §4.9: "all required env bindings present (bind host/port)").
func checkBindings(cfg *config.Config) Result {
	if cfg.Server.Host == "" {
		return fail("server.host is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fail("server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Server.TelemetryPort <= 0 || cfg.Server.TelemetryPort > 65535 {
		return fail("server.telemetry_port %d is out of range", cfg.Server.TelemetryPort)
	}
	if cfg.Server.TelemetryPort == cfg.Server.Port {
		return fail("server.telemetry_port must differ from server.port")
	}
	return ok
}

// weakSecrets lists default/example values that must never reach
// staging or prod.
var weakSecrets = map[string]bool{
	"": true, "secret": true, "changeme": true, "change-me": true,
	"test": true, "test-secret": true, "development": true, "dev-secret": true,
}

// checkSecretStrength rejects empty or obviously-default secrets in
// staging/prod (spec.md §4.9: "secrets are strong and non-default in
// staging/prod"). Dev is exempt so local runs don't need real secrets.
func checkSecretStrength(cfg *config.Config) Result {
	if cfg.IsDevelopment() {
		return ok
	}
	if cfg.Auth.Enabled {
		if len(cfg.Auth.JWTSecret) < 32 || weakSecrets[cfg.Auth.JWTSecret] {
			return fail("auth.jwt_secret is missing or too weak for profile %q (need >= 32 chars, non-default)", cfg.Server.Profile)
		}
	}
	return ok
}

// checkStorageReachability runs the C7 startup reachability probe in
// strict mode only (spec.md §4.9: "storage URLs reachable in strict
// mode"). A nil storage is treated as nothing to probe.
func checkStorageReachability(ctx context.Context, cfg *config.Config, storage Reachable) Result {
	if cfg.Storage.Mode != "strict" || storage == nil {
		return ok
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := storage.CheckReachability(probeCtx); err != nil {
		return fail("storage unreachable in strict mode: %v", err)
	}
	return ok
}

// checkCASILSnapshot builds a Snapshot from CASILConfig and ensures it
// compiles (spec.md §4.9: "CASIL snapshot compiles"). A failure here
// means the process must not start — unlike a runtime op.casil.reload
// rejection, there is no "previous snapshot" to fall back to yet.
func checkCASILSnapshot(cfg *config.Config) Result {
	if !cfg.CASIL.Enabled {
		return ok
	}
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
		return fail("casil snapshot failed to compile: %v", err)
	}
	return ok
}

// checkOmega normalizes the tier-omega flag: capacity settings must be
// positive whenever the lane is enabled (spec.md §4.9: "tier-omega flag
// normalized").
func checkOmega(cfg *config.Config) Result {
	if !cfg.Omega.Enabled {
		return ok
	}
	if cfg.Omega.MaxSubstrates <= 0 || cfg.Omega.MaxEvents <= 0 {
		return fail("omega.max_substrates and omega.max_events must be positive when omega.enabled is true")
	}
	return ok
}
