package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file overlaid on the environment defaults
const ConfigFileEnv = "PERMSTATE_CONFIG"

// Config holds the application configuration
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	NATS        NATSConfig        `yaml:"nats"`
	Cache       CacheConfig       `yaml:"cache"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Permissions PermissionsConfig `yaml:"permissions"`
}

// ServiceConfig holds service-level configuration
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Port     int    `yaml:"port"`
	NodeType string `yaml:"node_type"` // "center" or "leaf"
	NodeID   string `yaml:"node_id"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Embedded           bool   `yaml:"embedded"`
	ServerURL          string `yaml:"server_url"`
	DataDir            string `yaml:"data_dir"`
	JetStreamMaxMemory int64  `yaml:"jetstream_max_memory"`
	JetStreamMaxStore  int64  `yaml:"jetstream_max_store"`
	KVBucket           string `yaml:"kv_bucket"`
	CenterURL          string `yaml:"center_url"`   // URL of center node (for leaf nodes)
	LeafPort           int    `yaml:"leaf_port"`    // Port for leaf connections (for center nodes)
	ClusterPort        int    `yaml:"cluster_port"` // Port for cluster connections
}

// CacheConfig holds snapshot cache configuration
type CacheConfig struct {
	MaxSize     int   `yaml:"max_size"`
	MaxCost     int64 `yaml:"max_cost"`     // Maximum memory cost in bytes
	NumCounters int64 `yaml:"num_counters"` // Number of counters for TinyLFU
	BufferItems int64 `yaml:"buffer_items"` // Buffer size for async operations
	Metrics     bool  `yaml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
	JWTTTL    string `yaml:"jwt_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PermissionsConfig tunes the permission state cache
type PermissionsConfig struct {
	QueryTimeout string `yaml:"query_timeout"` // "0s" disables the timeout
	// SnapshotTTL is how long GetState and batch reads answer from the
	// snapshot cache. Writes made outside this process (the set command,
	// another node) are not seen by those reads until the snapshot expires.
	// Watch streams are not affected.
	SnapshotTTL string `yaml:"snapshot_ttl"`
}

// Load loads configuration from environment variables with defaults, then
// applies the file named by PERMSTATE_CONFIG when set
func Load() (*Config, error) {
	config := &Config{
		Service: ServiceConfig{
			Name:     getEnvOrDefault("SERVICE_NAME", "permstate"),
			Version:  getEnvOrDefault("SERVICE_VERSION", "v1"),
			Port:     getEnvIntOrDefault("SERVICE_PORT", 8080),
			NodeType: getEnvOrDefault("NODE_TYPE", "center"),
			NodeID:   getEnvOrDefault("NODE_ID", "node-1"),
		},
		NATS: NATSConfig{
			Embedded:           getEnvBoolOrDefault("NATS_EMBEDDED", true),
			ServerURL:          getEnvOrDefault("NATS_SERVER_URL", ""),
			DataDir:            getEnvOrDefault("NATS_DATA_DIR", "./nats-data"),
			JetStreamMaxMemory: getEnvInt64OrDefault("NATS_JETSTREAM_MAX_MEMORY", 64*1024*1024),  // 64MB
			JetStreamMaxStore:  getEnvInt64OrDefault("NATS_JETSTREAM_MAX_STORE", 1024*1024*1024), // 1GB
			KVBucket:           getEnvOrDefault("NATS_KV_BUCKET", "permissions"),
			CenterURL:          getEnvOrDefault("NATS_CENTER_URL", ""),
			LeafPort:           getEnvIntOrDefault("NATS_LEAF_PORT", 7422),
			ClusterPort:        getEnvIntOrDefault("NATS_CLUSTER_PORT", 6222),
		},
		Cache: CacheConfig{
			MaxSize:     getEnvIntOrDefault("CACHE_MAX_SIZE", 10000),
			MaxCost:     getEnvInt64OrDefault("CACHE_MAX_COST", 1000000), // 1MB default
			NumCounters: getEnvInt64OrDefault("CACHE_NUM_COUNTERS", 100000),
			BufferItems: getEnvInt64OrDefault("CACHE_BUFFER_ITEMS", 64),
			Metrics:     getEnvBoolOrDefault("CACHE_METRICS", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvOrDefault("JWT_SECRET", ""),
			JWTIssuer: getEnvOrDefault("JWT_ISSUER", "permstate"),
			JWTTTL:    getEnvOrDefault("JWT_TTL", "24h"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Permissions: PermissionsConfig{
			QueryTimeout: getEnvOrDefault("PERMISSION_QUERY_TIMEOUT", "5s"),
			SnapshotTTL:  getEnvOrDefault("PERMISSION_SNAPSHOT_TTL", "30s"),
		},
	}

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := config.overlay(path); err != nil {
			return nil, err
		}
	}

	if _, err := config.Permissions.GetQueryTimeout(); err != nil {
		return nil, fmt.Errorf("invalid permissions.query_timeout: %w", err)
	}
	if _, err := config.Permissions.GetSnapshotTTL(); err != nil {
		return nil, fmt.Errorf("invalid permissions.snapshot_ttl: %w", err)
	}

	return config, nil
}

// overlay decodes a YAML file on top of the current values. Keys missing
// from the file keep their environment or default value.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// RequireAuth reports whether the settings needed to serve the HTTP API are present
func (c *Config) RequireAuth() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}

// GetJWTTTL returns JWT TTL as duration
func (c *AuthConfig) GetJWTTTL() (time.Duration, error) {
	return time.ParseDuration(c.JWTTTL)
}

// GetQueryTimeout returns the platform query timeout
func (c *PermissionsConfig) GetQueryTimeout() (time.Duration, error) {
	return time.ParseDuration(c.QueryTimeout)
}

// GetSnapshotTTL returns how long a read snapshot stays fresh
func (c *PermissionsConfig) GetSnapshotTTL() (time.Duration, error) {
	return time.ParseDuration(c.SnapshotTTL)
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
