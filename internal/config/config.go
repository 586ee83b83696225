// Package config handles loading and validation of fidcgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// FIDCGATE_ prefix:
//
//	server.address → FIDCGATE_SERVER_ADDRESS
//	session.lookup_timeout → FIDCGATE_SESSION_LOOKUP_TIMEOUT
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via FIDCGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/fidcgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// PathNormalization selects how request paths are collapsed into metric
// label values. Fixed for the life of the process to keep the label set
// stable.
type PathNormalization string

const (
	// PathNormOperation preserves recognized operation suffixes under known
	// services and collapses numeric segments.
	PathNormOperation PathNormalization = "operation"
	// PathNormPrefix collapses every known-service path to /api/{service}.
	PathNormPrefix PathNormalization = "prefix"
)

func (p PathNormalization) Valid() bool {
	switch p {
	case PathNormOperation, PathNormPrefix:
		return true
	}
	return false
}

// Config is the top-level fidcgate configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Admin      AdminConfig      `yaml:"admin"      envPrefix:"ADMIN_"`
	Redis      RedisConfig      `yaml:"redis"      envPrefix:"REDIS_"`
	Session    SessionConfig    `yaml:"session"    envPrefix:"SESSION_"`
	Validation ValidationConfig `yaml:"validation" envPrefix:"VALIDATION_"`
	Breakers   BreakersConfig   `yaml:"breakers"   envPrefix:"BREAKERS_"`
	Routes     []RouteConfig    `yaml:"routes"`
	Metrics    MetricsConfig    `yaml:"metrics"    envPrefix:"METRICS_"`
	Audit      AuditConfig      `yaml:"audit"      envPrefix:"AUDIT_"`
	Logging    LoggingConfig    `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing    TracingConfig    `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings. TLS termination is
// owned by the edge in front of the gateway; the listener is plaintext
// (h2c-capable).
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// RedisConfig holds session-store connection and topology settings.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// SessionConfig holds session lookup settings.
type SessionConfig struct {
	// LookupTimeout bounds a single session-store read.
	LookupTimeout string `yaml:"lookup_timeout" env:"LOOKUP_TIMEOUT"`
	// KeyPrefix is the session key namespace in the store.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Workers bounds concurrent JSON decode / HMAC verification. 0 sizes the
	// pool from the CPU count.
	Workers int `yaml:"workers" env:"WORKERS"`
}

// ValidationConfig holds session validation behavior toggles.
type ValidationConfig struct {
	// PartnerClaimCheck enables the defensive partner comparison: when the
	// token carries a partner claim it must match the partner header. Tokens
	// without the claim fall back to the session-record comparison.
	PartnerClaimCheck *bool `yaml:"partner_claim_check" env:"PARTNER_CLAIM_CHECK"`
}

// PartnerClaimCheckEnabled returns the effective defensive-mode flag.
// Defaults to true when not explicitly configured.
func (v ValidationConfig) PartnerClaimCheckEnabled() bool {
	if v.PartnerClaimCheck == nil {
		return true
	}
	return *v.PartnerClaimCheck
}

// BreakerConfig holds the tuning of a single named circuit breaker policy.
type BreakerConfig struct {
	// FailureRate is the failure percentage over the window that opens the
	// breaker, in (0, 100].
	FailureRate float64 `yaml:"failure_rate" env:"FAILURE_RATE"`
	// SlowRate is the slow-call percentage over the window that opens the
	// breaker, in (0, 100].
	SlowRate float64 `yaml:"slow_rate" env:"SLOW_RATE"`
	// SlowCallDuration is the latency above which a call counts as slow.
	SlowCallDuration string `yaml:"slow_call_duration" env:"SLOW_CALL_DURATION"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout string `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	// Window is the sliding count window size.
	Window int `yaml:"window" env:"WINDOW"`
	// MinCalls gates tripping until the window holds at least this many calls.
	MinCalls int `yaml:"min_calls" env:"MIN_CALLS"`
	// HalfOpenProbes is the number of trial calls allowed in half-open state.
	HalfOpenProbes int `yaml:"half_open_probes" env:"HALF_OPEN_PROBES"`
}

// BreakersConfig holds the three named breaker policies.
type BreakersConfig struct {
	Default    BreakerConfig `yaml:"default"    envPrefix:"DEFAULT_"`
	Redis      BreakerConfig `yaml:"redis"      envPrefix:"REDIS_"`
	Downstream BreakerConfig `yaml:"downstream" envPrefix:"DOWNSTREAM_"`
}

// RouteConfig declares one gateway route.
type RouteConfig struct {
	ID         string `yaml:"id"`
	PathPrefix string `yaml:"path_prefix"`
	Upstream   string `yaml:"upstream"`
	// Protected binds the session validation filter to the route.
	Protected bool `yaml:"protected"`
	// RequiredPermissions must all be present in the session's permission
	// set. Empty means authenticated but unrestricted.
	RequiredPermissions []string `yaml:"required_permissions"`
	// Timeout bounds the request once validation starts, including the
	// upstream dispatch. Empty uses the 30s default.
	Timeout string `yaml:"timeout"`
}

// MetricsConfig controls metric label normalization.
type MetricsConfig struct {
	PathNormalization PathNormalization `yaml:"path_normalization" env:"PATH_NORMALIZATION"`
	// Services is the set of known /api/{service} segments. Paths under
	// unknown services collapse to the shared bucket.
	Services []string `yaml:"services" env:"SERVICES" envSeparator:","`
}

// AuditConfig holds optional rejection audit event emission settings.
// When enabled, fidcgate posts batched rejection events to an external
// HTTP sink (webhook pattern). Successful requests are never audited.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
// Breaker policy defaults follow the per-dependency tuning: the session
// store tolerates a higher failure rate with a shorter open interval, the
// downstream policy opens earlier and stays open longer.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Session: SessionConfig{
			LookupTimeout: "3s",
			KeyPrefix:     "fidc:session:",
		},
		Breakers: BreakersConfig{
			Default: BreakerConfig{
				FailureRate:      50,
				SlowRate:         50,
				SlowCallDuration: "2s",
				OpenTimeout:      "30s",
				Window:           10,
				MinCalls:         5,
				HalfOpenProbes:   3,
			},
			Redis: BreakerConfig{
				FailureRate:      70,
				SlowRate:         60,
				SlowCallDuration: "1s",
				OpenTimeout:      "15s",
				Window:           20,
				MinCalls:         10,
				HalfOpenProbes:   5,
			},
			Downstream: BreakerConfig{
				FailureRate:      60,
				SlowRate:         70,
				SlowCallDuration: "5s",
				OpenTimeout:      "45s",
				Window:           15,
				MinCalls:         8,
				HalfOpenProbes:   4,
			},
		},
		Metrics: MetricsConfig{
			PathNormalization: PathNormOperation,
			Services:          []string{"simulation", "loan", "register", "portability"},
		},
		Audit: AuditConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "fidcgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("FIDCGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/fidcgate/config.yaml and
// can be overridden via FIDCGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "FIDCGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Sentinel"
// or env values like "OPERATION" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Metrics.PathNormalization = PathNormalization(strings.ToLower(string(cfg.Metrics.PathNormalization)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateBreakers(cfg); err != nil {
		return err
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateMetrics(cfg); err != nil {
		return err
	}
	if err := validateAudit(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"session.lookup_timeout", cfg.Session.LookupTimeout},
		{"audit.flush_interval", cfg.Audit.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateBreakers(cfg *Config) error {
	policies := []struct {
		name string
		bc   BreakerConfig
	}{
		{"default", cfg.Breakers.Default},
		{"redis", cfg.Breakers.Redis},
		{"downstream", cfg.Breakers.Downstream},
	}

	for _, p := range policies {
		if p.bc.FailureRate <= 0 || p.bc.FailureRate > 100 {
			return fmt.Errorf("breakers.%s.failure_rate must be in (0, 100], got %v", p.name, p.bc.FailureRate)
		}
		if p.bc.SlowRate <= 0 || p.bc.SlowRate > 100 {
			return fmt.Errorf("breakers.%s.slow_rate must be in (0, 100], got %v", p.name, p.bc.SlowRate)
		}
		if p.bc.Window <= 0 {
			return fmt.Errorf("breakers.%s.window must be > 0", p.name)
		}
		if p.bc.MinCalls <= 0 || p.bc.MinCalls > p.bc.Window {
			return fmt.Errorf("breakers.%s.min_calls must be in [1, window]", p.name)
		}
		if p.bc.HalfOpenProbes <= 0 {
			return fmt.Errorf("breakers.%s.half_open_probes must be > 0", p.name)
		}
		for _, d := range []struct{ name, val string }{
			{"slow_call_duration", p.bc.SlowCallDuration},
			{"open_timeout", p.bc.OpenTimeout},
		} {
			if d.val == "" {
				continue
			}
			if _, err := time.ParseDuration(d.val); err != nil {
				return fmt.Errorf("invalid breakers.%s.%s %q: %w", p.name, d.name, d.val, err)
			}
		}
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Routes))
	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		if rt.ID == "" {
			return fmt.Errorf("routes[%d].id is required", i)
		}
		if _, dup := seen[rt.ID]; dup {
			return fmt.Errorf("duplicate route id %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}

		if rt.PathPrefix == "" || !strings.HasPrefix(rt.PathPrefix, "/") {
			return fmt.Errorf("route %q: path_prefix must start with /", rt.ID)
		}
		if rt.Upstream == "" {
			return fmt.Errorf("route %q: upstream is required", rt.ID)
		}
		normalized, err := normalizeURL(rt.Upstream)
		if err != nil {
			return fmt.Errorf("route %q: invalid upstream %q: %w", rt.ID, rt.Upstream, err)
		}
		rt.Upstream = normalized

		if rt.Timeout != "" {
			if _, err := time.ParseDuration(rt.Timeout); err != nil {
				return fmt.Errorf("route %q: invalid timeout %q: %w", rt.ID, rt.Timeout, err)
			}
		}
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateMetrics(cfg *Config) error {
	if !cfg.Metrics.PathNormalization.Valid() {
		return fmt.Errorf("invalid metrics.path_normalization %q: must be operation or prefix", cfg.Metrics.PathNormalization)
	}
	if len(cfg.Metrics.Services) == 0 {
		return fmt.Errorf("metrics.services: at least one known service is required")
	}
	return nil
}

func validateAudit(cfg *Config) error {
	if cfg.Audit.Enabled && cfg.Audit.URL == "" {
		return fmt.Errorf("audit.url is required when audit is enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely. Path normalization is in the
// list because the metric label set must stay stable for the process
// lifetime.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Metrics.PathNormalization != old.Metrics.PathNormalization {
		fields = append(fields, "metrics.path_normalization")
	}
	return fields
}
