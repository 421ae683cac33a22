package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// ArqonBus Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	CASIL     CASILConfig     `yaml:"casil"`
	Omega     OmegaConfig     `yaml:"omega"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	TelemetryPort    int      `yaml:"telemetry_port"`
	Profile          string   `yaml:"profile"` // dev | staging | prod
	MaxConnections   int      `yaml:"max_connections"`
	MaxMessageSize   int      `yaml:"max_message_size"`
	InfraProtocol    string   `yaml:"infra_protocol"` // json | protobuf
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	ShutdownDrainSec int      `yaml:"shutdown_drain_sec"`
	HeartbeatSec     int      `yaml:"heartbeat_sec"`
	MissedHeartbeats int      `yaml:"missed_heartbeats"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory | redis | postgres
	Mode        string `yaml:"mode"`    // strict | degraded
	ValkeyURL   string `yaml:"valkey_url"`
	PostgresURL string `yaml:"postgres_url"`
	HistorySize int    `yaml:"history_size"`
}

type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	JWTSecret    string `yaml:"jwt_secret"`
	JWTAlgorithm string `yaml:"jwt_algorithm"`
}

type CASILConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Mode                 string   `yaml:"mode"` // monitor | enforce
	ScopeInclude         []string `yaml:"scope_include"`
	ScopeExclude         []string `yaml:"scope_exclude"`
	MaxInspectBytes      int      `yaml:"max_inspect_bytes"`
	BlockOnProbableSecret bool    `yaml:"block_on_probable_secret"`
	RedactionPatterns    []string `yaml:"redaction_patterns"`
	DefaultDecision      string   `yaml:"default_decision"` // allow | block
	PersistMetadata      bool     `yaml:"persist_metadata"`
	MaxPolicies          int      `yaml:"max_policies"`
	MaxPatterns          int      `yaml:"max_patterns"`
}

type OmegaConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxSubstrates int  `yaml:"max_substrates"`
	MaxEvents     int  `yaml:"max_events"`
}

type TelemetryConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies ARQONBUS_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("ARQONBUS_SERVER_HOST", c.Server.Host)
	if v := getEnvInt("ARQONBUS_SERVER_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("ARQONBUS_TELEMETRY_PORT", 0); v > 0 {
		c.Server.TelemetryPort = v
	}
	c.Server.Profile = getEnv("ARQONBUS_PROFILE", c.Server.Profile)
	if v := getEnvInt("ARQONBUS_MAX_CONNECTIONS", 0); v > 0 {
		c.Server.MaxConnections = v
	}
	if v := getEnvInt("ARQONBUS_MAX_MESSAGE_SIZE", 0); v > 0 {
		c.Server.MaxMessageSize = v
	}
	c.Server.InfraProtocol = getEnv("ARQONBUS_INFRA_PROTOCOL", c.Server.InfraProtocol)
	if origins := getEnv("ARQONBUS_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Storage.Backend = getEnv("ARQONBUS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Mode = getEnv("ARQONBUS_STORAGE_MODE", c.Storage.Mode)
	c.Storage.ValkeyURL = getEnv("ARQONBUS_VALKEY_URL", c.Storage.ValkeyURL)
	c.Storage.PostgresURL = getEnv("ARQONBUS_POSTGRES_URL", c.Storage.PostgresURL)
	if v := getEnvInt("ARQONBUS_HISTORY_SIZE", 0); v > 0 {
		c.Storage.HistorySize = v
	}

	c.Auth.Enabled = getEnvBool("ARQONBUS_ENABLE_AUTH", c.Auth.Enabled)
	c.Auth.JWTSecret = getEnv("ARQONBUS_AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAlgorithm = getEnv("ARQONBUS_AUTH_JWT_ALGORITHM", c.Auth.JWTAlgorithm)

	c.CASIL.Enabled = getEnvBool("ARQONBUS_CASIL_ENABLED", c.CASIL.Enabled)
	c.CASIL.Mode = getEnv("ARQONBUS_CASIL_MODE", c.CASIL.Mode)
	if v := getEnv("ARQONBUS_CASIL_SCOPE_INCLUDE", ""); v != "" {
		c.CASIL.ScopeInclude = splitCSV(v)
	}
	if v := getEnv("ARQONBUS_CASIL_SCOPE_EXCLUDE", ""); v != "" {
		c.CASIL.ScopeExclude = splitCSV(v)
	}
	if v := getEnvInt("ARQONBUS_CASIL_MAX_INSPECT_BYTES", 0); v > 0 {
		c.CASIL.MaxInspectBytes = v
	}
	c.CASIL.BlockOnProbableSecret = getEnvBool("ARQONBUS_CASIL_BLOCK_ON_PROBABLE_SECRET", c.CASIL.BlockOnProbableSecret)
	if v := getEnv("ARQONBUS_CASIL_REDACTION_PATTERNS", ""); v != "" {
		c.CASIL.RedactionPatterns = splitCSV(v)
	}
	c.CASIL.DefaultDecision = getEnv("ARQONBUS_CASIL_DEFAULT_DECISION", c.CASIL.DefaultDecision)
	c.CASIL.PersistMetadata = getEnvBool("ARQONBUS_CASIL_PERSIST_METADATA", c.CASIL.PersistMetadata)

	c.Omega.Enabled = getEnvBool("ARQONBUS_OMEGA_ENABLED", c.Omega.Enabled)
	if v := getEnvInt("ARQONBUS_OMEGA_MAX_SUBSTRATES", 0); v > 0 {
		c.Omega.MaxSubstrates = v
	}
	if v := getEnvInt("ARQONBUS_OMEGA_MAX_EVENTS", 0); v > 0 {
		c.Omega.MaxEvents = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.TelemetryPort == 0 {
		c.Server.TelemetryPort = 8766
	}
	if c.Server.Profile == "" {
		c.Server.Profile = "dev"
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 10000
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 1 << 20 // 1 MiB
	}
	if c.Server.InfraProtocol == "" {
		c.Server.InfraProtocol = "json"
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Server.ShutdownDrainSec == 0 {
		c.Server.ShutdownDrainSec = 10
	}
	if c.Server.HeartbeatSec == 0 {
		c.Server.HeartbeatSec = 30
	}
	if c.Server.MissedHeartbeats == 0 {
		c.Server.MissedHeartbeats = 2
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "degraded"
	}
	if c.Storage.HistorySize == 0 {
		c.Storage.HistorySize = 500
	}

	if c.Auth.JWTAlgorithm == "" {
		c.Auth.JWTAlgorithm = "HS256"
	}

	if c.CASIL.Mode == "" {
		c.CASIL.Mode = "enforce"
	}
	if c.CASIL.MaxInspectBytes == 0 {
		c.CASIL.MaxInspectBytes = 65536
	}
	if c.CASIL.DefaultDecision == "" {
		c.CASIL.DefaultDecision = "allow"
	}
	if c.CASIL.MaxPolicies == 0 {
		c.CASIL.MaxPolicies = 50
	}
	if c.CASIL.MaxPatterns == 0 {
		c.CASIL.MaxPatterns = 50
	}
	// PersistMetadata defaults to true per the source's documented-but-
	// inconsistent default; made explicit and configurable here.
	if !c.CASIL.PersistMetadata && os.Getenv("ARQONBUS_CASIL_PERSIST_METADATA") == "" {
		c.CASIL.PersistMetadata = true
	}

	if c.Omega.MaxSubstrates == 0 {
		c.Omega.MaxSubstrates = 128
	}
	if c.Omega.MaxEvents == 0 {
		c.Omega.MaxEvents = 1000
	}

	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = 1024
	}

	if c.RateLimit.MaxCallsPerMinute == 0 {
		c.RateLimit.MaxCallsPerMinute = 600
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = c.RateLimit.MaxCallsPerMinute * 2
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Profile == "prod"
}

func (c *Config) IsStaging() bool {
	return c.Server.Profile == "staging"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Profile == "dev"
}
