package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all liveframe configuration from environment variables.
type Config struct {
	// Server
	Addr      string // listen address for the websocket + management surface
	UploadDir string // directory for completed uploads
	DBPath    string // BoltDB path (keys, quotas, audit log)

	// State signer
	StateSecret          string        // seeds the initial signing key; random when empty
	KeyRotationInterval  time.Duration // how often a new signing key is generated
	MaxKeyAge            time.Duration // retired keys older than this stop verifying
	KeyRetentionCount    int           // retired keys beyond this count stop verifying
	StateMaxAge          time.Duration // envelopes older than this are expired
	CompressionEnabled   bool
	CompressionThreshold int // bytes; payloads above this are gzipped
	CompressionLevel     int // gzip level 1-9

	// Connections
	MaxConnections    int
	HeartbeatInterval time.Duration
	HealthInterval    time.Duration

	// Hooks
	HookTimeout time.Duration
	HookRetries int

	// Access rules
	AccessRulesPath string // optional YAML file of per-class auth rules

	// MQTT bridge (disabled when broker is empty)
	MQTTBroker string
	MQTTTopic  string

	// Logging and debug
	LogJSON       bool
	LiveLogging   string // true|false|csv of categories
	DebugLive     bool   // enables the live debugger
	DebugCapacity int    // debugger ring buffer size

	// Bundled JWT auth provider (disabled when secret is empty)
	JWTSecret string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Addr:      envStr("LIVE_ADDR", ":8090"),
		UploadDir: envStr("LIVE_UPLOAD_DIR", "./uploads"),
		DBPath:    envStr("LIVE_DB_PATH", "./liveframe.db"),

		StateSecret:          envStr("STATE_SECRET", ""),
		KeyRotationInterval:  envMillis("KEY_ROTATION_INTERVAL", time.Hour),
		MaxKeyAge:            envMillis("MAX_KEY_AGE", 24*time.Hour),
		KeyRetentionCount:    envInt("KEY_RETENTION_COUNT", 5),
		StateMaxAge:          envMillis("STATE_MAX_AGE", 24*time.Hour),
		CompressionEnabled:   envBool("COMPRESSION_ENABLED", true),
		CompressionThreshold: envInt("COMPRESSION_THRESHOLD", 1024),
		CompressionLevel:     envInt("COMPRESSION_LEVEL", 6),

		MaxConnections:    envInt("LIVE_MAX_CONNECTIONS", 10000),
		HeartbeatInterval: envDuration("LIVE_HEARTBEAT_INTERVAL", 30*time.Second),
		HealthInterval:    envDuration("LIVE_HEALTH_INTERVAL", 60*time.Second),

		HookTimeout: envDuration("LIVE_HOOK_TIMEOUT", 30*time.Second),
		HookRetries: envInt("LIVE_HOOK_RETRIES", 2),

		AccessRulesPath: envStr("LIVE_ACCESS_RULES", ""),

		MQTTBroker: envStr("LIVE_MQTT_BROKER", ""),
		MQTTTopic:  envStr("LIVE_MQTT_TOPIC", "liveframe/rooms"),

		LogJSON:       envBool("LIVE_LOG_JSON", true),
		LiveLogging:   envStr("LIVE_LOGGING", "false"),
		DebugLive:     envBool("DEBUG_LIVE", false),
		DebugCapacity: envInt("LIVE_DEBUG_CAPACITY", 1000),

		JWTSecret: envStr("LIVE_JWT_SECRET", ""),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.KeyRotationInterval <= 0 {
		errs = append(errs, fmt.Errorf("KEY_ROTATION_INTERVAL must be > 0, got %s", c.KeyRotationInterval))
	}
	if c.MaxKeyAge <= 0 {
		errs = append(errs, fmt.Errorf("MAX_KEY_AGE must be > 0, got %s", c.MaxKeyAge))
	}
	if c.KeyRetentionCount < 1 {
		errs = append(errs, fmt.Errorf("KEY_RETENTION_COUNT must be >= 1, got %d", c.KeyRetentionCount))
	}
	if c.StateMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("STATE_MAX_AGE must be > 0, got %s", c.StateMaxAge))
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("COMPRESSION_LEVEL must be 1-9, got %d", c.CompressionLevel))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("LIVE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}
	if c.HookRetries < 0 {
		errs = append(errs, fmt.Errorf("LIVE_HOOK_RETRIES must be >= 0, got %d", c.HookRetries))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envMillis reads a duration expressed as integer milliseconds, matching
// the wire-level convention of the client protocol.
func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
