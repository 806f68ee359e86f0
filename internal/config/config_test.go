package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aminovpavel/meshtopo/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("MESHTOPO_CONFIG_FILE", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "Meshtopo" {
		t.Fatalf("expected default name 'Meshtopo', got %q", cfg.Name)
	}
	if cfg.MQTTPort != 1883 {
		t.Fatalf("expected default MQTT port 1883, got %d", cfg.MQTTPort)
	}
	if !cfg.CaptureStoreRaw {
		t.Fatalf("expected CaptureStoreRaw default true")
	}
	if cfg.LongestLinksWindowDays != 7 || cfg.LongestLinksMapCeilingKm != 250 {
		t.Fatalf("unexpected longest-links defaults: %d days, %v km", cfg.LongestLinksWindowDays, cfg.LongestLinksMapCeilingKm)
	}
	if cfg.RefreshInterval() != 10*time.Minute {
		t.Fatalf("expected 10m refresh interval, got %s", cfg.RefreshInterval())
	}
	if cfg.ConfigPath != "" {
		t.Fatalf("expected empty ConfigPath for missing file, got %q", cfg.ConfigPath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
name: Custom
mqtt_port: 1999
capture_store_raw: false
longest_links_window_days: 3
longest_links_map_ceiling_km: 120.5
cache_backend: none
`

	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "Custom" {
		t.Fatalf("expected name Custom, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 1999 {
		t.Fatalf("expected mqtt_port 1999, got %d", cfg.MQTTPort)
	}
	if cfg.CaptureStoreRaw {
		t.Fatalf("expected CaptureStoreRaw false from YAML override")
	}
	if cfg.LongestLinksWindowDays != 3 || cfg.LongestLinksMapCeilingKm != 120.5 {
		t.Fatalf("expected longest-links overrides, got %d days, %v km", cfg.LongestLinksWindowDays, cfg.LongestLinksMapCeilingKm)
	}
	if cfg.CacheBackend != config.CacheNone {
		t.Fatalf("expected cache backend none, got %q", cfg.CacheBackend)
	}
	if cfg.ConfigPath != yamlPath {
		t.Fatalf("expected ConfigPath %q, got %q", yamlPath, cfg.ConfigPath)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromEnvFile\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}
	t.Setenv("MESHTOPO_CONFIG_FILE", yamlPath)

	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}
	if cfg.Name != "FromEnvFile" || cfg.ConfigPath != yamlPath {
		t.Fatalf("expected file from MESHTOPO_CONFIG_FILE, got name=%q path=%q", cfg.Name, cfg.ConfigPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromFile\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	t.Setenv("MESHTOPO_NAME", "EnvName")
	t.Setenv("MESHTOPO_MQTT_PORT", "2001")
	t.Setenv("MESHTOPO_CAPTURE_STORE_RAW", "0")
	t.Setenv("MESHTOPO_LONGEST_LINKS_MAP_CEILING_KM", "300")
	t.Setenv("MESHTOPO_LOG_JSON", "yes")

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "EnvName" {
		t.Fatalf("expected name EnvName from env, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 2001 {
		t.Fatalf("expected mqtt_port 2001 from env, got %d", cfg.MQTTPort)
	}
	if cfg.CaptureStoreRaw {
		t.Fatalf("expected CaptureStoreRaw false from env override")
	}
	if cfg.LongestLinksMapCeilingKm != 300 {
		t.Fatalf("expected ceiling 300 from env, got %v", cfg.LongestLinksMapCeilingKm)
	}
	if !cfg.LogJSON {
		t.Fatalf("expected log_json enabled by \"yes\"")
	}
}

func TestEnvOverridesLegacyPrefix(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromFile\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	t.Setenv("MESHPIPE_NAME", "LegacyName")
	t.Setenv("MESHPIPE_MQTT_PORT", "2002")
	t.Setenv("MESHTOPO_MQTT_PORT", "2003")

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "LegacyName" {
		t.Fatalf("expected legacy name override, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 2003 {
		t.Fatalf("expected MESHTOPO_ prefix to win, got %d", cfg.MQTTPort)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("MESHTOPO_CONFIG_FILE", "")

	t.Setenv("MESHTOPO_CACHE_BACKEND", "redis")
	if _, err := config.New(""); err == nil {
		t.Fatalf("expected error for redis backend without address")
	}

	t.Setenv("MESHTOPO_CACHE_BACKEND", "memory")
	t.Setenv("MESHTOPO_MQTT_PORT", "not-a-number")
	if _, err := config.New(""); err == nil {
		t.Fatalf("expected error for malformed integer")
	}
}
