package archimedes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/themis-platform/archimedes/middleware"
)

// Config is the root, validated configuration value threaded into New.
// Loading (file + environment overrides) is an ambient concern handled by
// LoadConfig; the core never reads a file or the environment itself.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	Contract      ContractConfig      `mapstructure:"contract"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Connections   ConnectionsConfig   `mapstructure:"connections"`
	Tasks         TasksConfig         `mapstructure:"tasks"`
}

// ServerConfig controls the bind address, timeouts, and protocol behavior
// of the HTTP server.
type ServerConfig struct {
	HTTPAddr          string `mapstructure:"http_addr"`
	ShutdownTimeoutSecs int  `mapstructure:"shutdown_timeout_secs"`
	KeepAliveSecs     int    `mapstructure:"keep_alive_secs"`
	MaxConnections    int    `mapstructure:"max_connections"`
	RequestTimeoutMS  int    `mapstructure:"request_timeout_ms"`
	HTTP2Enabled      bool   `mapstructure:"http2_enabled"`
	ServiceName       string `mapstructure:"service_name"`
	ServiceVersion    string `mapstructure:"service_version"`
}

// TelemetryConfig controls the logging sink and trace sampling.
type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
	LogLevel         string  `mapstructure:"log_level"`
	LogFormat        string  `mapstructure:"log_format"`
}

// AuthorizationConfig selects and parameterizes the authorization stage.
//
// Mode "opa" is accepted here and wired to the Custom authorization stage;
// Archimedes does not embed a policy engine, so a caller that selects
// "opa" must also set CustomAuthorizer to the predicate that consults it.
// The mode name and config shape are preserved purely so a caller can
// plug one in without inventing a new mode.
type AuthorizationConfig struct {
	Mode             string                      `mapstructure:"mode"`
	AllowAnonymous   []string                    `mapstructure:"allow_anonymous"`
	RolePermissions  map[string][]string         `mapstructure:"role_permissions"`
	CustomAuthorizer middleware.CustomAuthorizer `mapstructure:"-"`
}

// ContractConfig controls contract loading and the Sentinel's validation
// behavior.
type ContractConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	StrictValidation  bool   `mapstructure:"strict_validation"`
	ContractPath      string `mapstructure:"contract_path"`
	ValidateResponses bool   `mapstructure:"validate_responses"`
	MaxDepth          int    `mapstructure:"max_depth"`
}

// RateLimitConfig parameterizes the sliding-window rate-limit stage.
type RateLimitConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Limit      int    `mapstructure:"limit"`
	WindowSecs int    `mapstructure:"window_secs"`
	KeyStrategy string `mapstructure:"key_strategy"` // ip | header | user | global; a custom extractor is not selectable here
	HeaderName string `mapstructure:"header_name"`
}

// CORSConfig parameterizes the CORS stage.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAgeSecs       int      `mapstructure:"max_age_secs"`
}

// ConnectionsConfig parameterizes the Connection Manager.
type ConnectionsConfig struct {
	MaxConnections      int `mapstructure:"max_connections"`
	MaxPerClient        int `mapstructure:"max_per_client"`
	IdleTimeoutSecs     int `mapstructure:"idle_timeout_secs"`
	CleanupIntervalSecs int `mapstructure:"cleanup_interval_secs"`
}

// TasksConfig parameterizes the Task Spawner.
type TasksConfig struct {
	MaxConcurrent        int `mapstructure:"max_concurrent"`
	MaxRegistrySize      int `mapstructure:"max_registry_size"`
	HistoryRetentionSecs int `mapstructure:"history_retention_secs"`
}

// DefaultConfig returns the config defaults enumerated in the external
// interface contract.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:            "0.0.0.0:8080",
			ShutdownTimeoutSecs: 30,
			KeepAliveSecs:       75,
			MaxConnections:      1024,
			RequestTimeoutMS:    30000,
			HTTP2Enabled:        true,
			ServiceName:         "archimedes",
			ServiceVersion:      "0.0.0",
		},
		Telemetry: TelemetryConfig{
			SamplingRatio: 0,
			LogLevel:      "info",
			LogFormat:     "json",
		},
		Authorization: AuthorizationConfig{
			Mode: "allow_all",
		},
		Contract: ContractConfig{
			MaxDepth: 32,
		},
		RateLimit: RateLimitConfig{
			KeyStrategy: "ip",
		},
		Connections: ConnectionsConfig{
			MaxConnections:      10000,
			MaxPerClient:        100,
			IdleTimeoutSecs:     300,
			CleanupIntervalSecs: 30,
		},
		Tasks: TasksConfig{
			MaxConcurrent:        256,
			MaxRegistrySize:      10000,
			HistoryRetentionSecs: 3600,
		},
	}
}

// LoadConfig loads Config from an optional file path and applies
// environment overrides on top. File format is detected from the
// extension (.json, .toml, .yaml/.yml); an empty path skips file loading
// and starts from DefaultConfig. The env pass uses the
// <envPrefix>__SECTION__KEY double-underscore nesting convention (e.g.
// ARCHIMEDES__SERVER__HTTP_ADDR); an empty envPrefix skips it, and unknown
// keys are ignored.
func LoadConfig(path string, envPrefix string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := loadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("archimedes: loading config file: %w", err)
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("archimedes: decoding config file: %w", err)
		}
	}

	if envPrefix != "" {
		envMap := buildEnvOverrideMap(envPrefix, os.Environ())
		if len(envMap) > 0 {
			dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:           &cfg,
				WeaklyTypedInput: true,
				TagName:          "mapstructure",
			})
			if err != nil {
				return nil, err
			}
			if err := dec.Decode(envMap); err != nil {
				return nil, fmt.Errorf("archimedes: decoding env overrides: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadConfigFile reads path and decodes it into a generic map keyed by
// extension.
func loadConfigFile(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &m); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unrecognized config file extension %q", filepath.Ext(path))
	}
	return m, nil
}

// buildEnvOverrideMap scans environ for PREFIX__SECTION__KEY entries and
// builds the nested map mapstructure can decode on top of the existing
// config. Keys that don't start with prefix+"__" are ignored.
func buildEnvOverrideMap(prefix string, environ []string) map[string]interface{} {
	out := map[string]interface{}{}
	marker := prefix + "__"

	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, marker) {
			continue
		}

		path := strings.Split(strings.TrimPrefix(key, marker), "__")
		if len(path) < 2 {
			continue
		}
		setNested(out, path, coerceEnvValue(value))
	}

	return out
}

// setNested places value at the nested path within m, lowercasing segment
// names to match mapstructure tag conventions.
func setNested(m map[string]interface{}, path []string, value interface{}) {
	cur := m
	for i, seg := range path {
		key := strings.ToLower(seg)
		if i == len(path)-1 {
			cur[key] = value
			return
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[key] = next
		}
		cur = next
	}
}

// coerceEnvValue converts an environment string into a bool/int/float when
// it parses as one (tried in that order), splits a comma-containing value
// into a []string, and otherwise leaves it as a string; the
// WeaklyTypedInput decoder handles any remaining coercion.
func coerceEnvValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.Contains(s, ",") {
		return strings.Split(s, ",")
	}
	return s
}

// Validate rejects empty addresses, zero timeouts, sampling ratios outside
// [0,1], and unknown enum values.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		errs = append(errs, "server.http_addr must not be empty")
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		errs = append(errs, "server.shutdown_timeout_secs must be positive")
	}
	if c.Server.RequestTimeoutMS <= 0 {
		errs = append(errs, "server.request_timeout_ms must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, "server.max_connections must be positive")
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs = append(errs, "telemetry.sampling_ratio must be within [0,1]")
	}
	switch strings.ToLower(c.Telemetry.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.log_format %q is not one of json|pretty", c.Telemetry.LogFormat))
	}

	switch strings.ToLower(c.Authorization.Mode) {
	case "allow_all", "deny_all", "rbac", "opa", "custom":
	default:
		errs = append(errs, fmt.Sprintf("authorization.mode %q is not a recognized mode", c.Authorization.Mode))
	}

	if c.Connections.MaxConnections <= 0 {
		errs = append(errs, "connections.max_connections must be positive")
	}
	if c.Connections.IdleTimeoutSecs <= 0 {
		errs = append(errs, "connections.idle_timeout_secs must be positive")
	}

	if c.Tasks.MaxConcurrent <= 0 {
		errs = append(errs, "tasks.max_concurrent must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("archimedes: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
