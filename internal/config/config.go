package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment    string
	HTTPPort       string
	DatabasePath   string
	ArtifactDir    string
	SnapshotDir    string
	GatewayAdmin   string
	EventLogPath   string
	AuthLogPath    string
	GeoIPDBPath    string
	NotifyURLs     []string
	PollInterval   time.Duration
	ApplyInterval  time.Duration
	GatewayTimeout time.Duration
}

// Load reads env vars and falls back to defaults so the control plane can boot
// with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:    getEnv("AEGIS_ENV", "development"),
		HTTPPort:       getEnv("AEGIS_HTTP_PORT", "8089"),
		DatabasePath:   getEnv("AEGIS_DB_PATH", filepath.Join("data", "aegis.db")),
		ArtifactDir:    getEnv("AEGIS_ARTIFACT_DIR", filepath.Join("data", "gateway")),
		SnapshotDir:    getEnv("AEGIS_SNAPSHOT_DIR", filepath.Join("data", "snapshots")),
		GatewayAdmin:   getEnv("AEGIS_GATEWAY_ADMIN", "http://127.0.0.1:2019"),
		EventLogPath:   getEnv("AEGIS_EVENT_LOG", filepath.Join("data", "logs", "attack.log")),
		AuthLogPath:    getEnv("AEGIS_AUTH_LOG", filepath.Join("data", "logs", "auth.log")),
		GeoIPDBPath:    getEnv("AEGIS_GEOIP_DB", ""),
		NotifyURLs:     splitList(os.Getenv("AEGIS_NOTIFY_URLS")),
		PollInterval:   getEnvDuration("AEGIS_POLL_INTERVAL", 15*time.Second),
		ApplyInterval:  getEnvDuration("AEGIS_APPLY_INTERVAL", 30*time.Second),
		GatewayTimeout: getEnvDuration("AEGIS_GATEWAY_TIMEOUT", 10*time.Second),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
