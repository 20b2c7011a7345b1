package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.KeyRotationInterval != time.Hour {
		t.Errorf("KeyRotationInterval = %s", cfg.KeyRotationInterval)
	}
	if cfg.StateMaxAge != 24*time.Hour {
		t.Errorf("StateMaxAge = %s", cfg.StateMaxAge)
	}
	if cfg.MaxConnections != 10000 {
		t.Errorf("MaxConnections = %d", cfg.MaxConnections)
	}
	if !cfg.CompressionEnabled || cfg.CompressionThreshold != 1024 || cfg.CompressionLevel != 6 {
		t.Errorf("compression defaults = %v/%d/%d",
			cfg.CompressionEnabled, cfg.CompressionThreshold, cfg.CompressionLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIVE_ADDR", ":9001")
	t.Setenv("LIVE_MAX_CONNECTIONS", "250")
	t.Setenv("LIVE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("COMPRESSION_ENABLED", "false")
	t.Setenv("LIVE_JWT_SECRET", "s3cret")

	cfg := Load()
	if cfg.Addr != ":9001" || cfg.MaxConnections != 250 {
		t.Errorf("overrides not applied: %q/%d", cfg.Addr, cfg.MaxConnections)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.CompressionEnabled {
		t.Error("CompressionEnabled should be false")
	}
	if cfg.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
}

func TestMillisecondDurations(t *testing.T) {
	// Signer intervals are integer milliseconds on the wire.
	t.Setenv("KEY_ROTATION_INTERVAL", "60000")
	t.Setenv("STATE_MAX_AGE", "3600000")
	cfg := Load()
	if cfg.KeyRotationInterval != time.Minute {
		t.Errorf("KeyRotationInterval = %s", cfg.KeyRotationInterval)
	}
	if cfg.StateMaxAge != time.Hour {
		t.Errorf("StateMaxAge = %s", cfg.StateMaxAge)
	}
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("LIVE_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("KEY_ROTATION_INTERVAL", "-5")
	cfg := Load()
	if cfg.MaxConnections != 10000 {
		t.Errorf("MaxConnections = %d", cfg.MaxConnections)
	}
	if cfg.KeyRotationInterval != time.Hour {
		t.Errorf("KeyRotationInterval = %s", cfg.KeyRotationInterval)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Load()
	cfg.KeyRotationInterval = 0
	cfg.CompressionLevel = 12
	cfg.MaxConnections = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"KEY_ROTATION_INTERVAL", "COMPRESSION_LEVEL", "LIVE_MAX_CONNECTIONS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}
