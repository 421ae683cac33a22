package preflight

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/bus/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "0.0.0.0", Port: 8765, TelemetryPort: 8766, Profile: "dev",
		},
		Storage: config.StorageConfig{Mode: "degraded"},
		Auth:    config.AuthConfig{Enabled: true, JWTSecret: "dev-secret-does-not-need-to-be-strong"},
		CASIL:   config.CASILConfig{Enabled: true, Mode: "enforce", DefaultDecision: "allow", MaxInspectBytes: 65536, MaxPolicies: 50, MaxPatterns: 50},
	}
}

func TestRunPassesOnValidDevConfig(t *testing.T) {
	r := Run(context.Background(), baseConfig(), nil)
	assert.True(t, r.OK, r.Reason)
}

func TestRunRejectsUnknownProfile(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Profile = "bogus"
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "invalid server profile")
}

func TestRunRejectsMissingHost(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Host = ""
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "server.host")
}

func TestRunRejectsSamePortForTelemetry(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.TelemetryPort = cfg.Server.Port
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "telemetry_port")
}

func TestRunRejectsWeakSecretInProd(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Profile = "prod"
	cfg.Auth.JWTSecret = "changeme"
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "jwt_secret")
}

func TestRunAllowsWeakSecretInDev(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth.JWTSecret = "changeme"
	r := Run(context.Background(), cfg, nil)
	assert.True(t, r.OK, r.Reason)
}

type fakeReachable struct{ err error }

func (f fakeReachable) CheckReachability(ctx context.Context) error { return f.err }

func TestRunFailsOnUnreachableStorageInStrictMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage.Mode = "strict"
	r := Run(context.Background(), cfg, fakeReachable{err: errors.New("dial tcp: refused")})
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "unreachable")
}

func TestRunSkipsReachabilityCheckInDegradedMode(t *testing.T) {
	cfg := baseConfig()
	r := Run(context.Background(), cfg, fakeReachable{err: errors.New("would fail")})
	assert.True(t, r.OK, r.Reason)
}

func TestRunRejectsInvalidCASILSnapshot(t *testing.T) {
	cfg := baseConfig()
	cfg.CASIL.MaxPolicies = 1
	cfg.CASIL.RedactionPatterns = []string{"a", "b", "c"}
	cfg.CASIL.MaxPatterns = 1
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "casil snapshot")
}

func TestRunRejectsOmegaEnabledWithZeroCapacity(t *testing.T) {
	cfg := baseConfig()
	cfg.Omega.Enabled = true
	cfg.Omega.MaxSubstrates = 0
	r := Run(context.Background(), cfg, nil)
	require.False(t, r.OK)
	assert.Contains(t, r.Reason, "omega.max_substrates")
}
