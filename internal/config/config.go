package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var envPrefixes = []string{"MESHTOPO_", "MESHPIPE_"}

const configFileEnv = "MESHTOPO_CONFIG_FILE"

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// App contains the full application configuration.
type App struct {
	Name         string `yaml:"name" env:"NAME"`
	DatabaseFile string `yaml:"database_file" env:"DATABASE_FILE"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	LogJSON      bool   `yaml:"log_json" env:"LOG_JSON"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address" env:"MQTT_BROKER_ADDRESS"`
	MQTTPort          int    `yaml:"mqtt_port" env:"MQTT_PORT"`
	MQTTUsername      string `yaml:"mqtt_username" env:"MQTT_USERNAME"`
	MQTTPassword      string `yaml:"mqtt_password" env:"MQTT_PASSWORD"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix" env:"MQTT_TOPIC_PREFIX"`
	MQTTTopicSuffix   string `yaml:"mqtt_topic_suffix" env:"MQTT_TOPIC_SUFFIX"`
	MQTTClientID      string `yaml:"mqtt_client_id" env:"MQTT_CLIENT_ID"`
	MQTTQoS           int    `yaml:"mqtt_qos" env:"MQTT_QOS"`

	CaptureStoreRaw     bool `yaml:"capture_store_raw" env:"CAPTURE_STORE_RAW"`
	MaxEnvelopeBytes    int  `yaml:"max_envelope_bytes" env:"MAX_ENVELOPE_BYTES"`
	WriterQueueSize     int  `yaml:"writer_queue_size" env:"WRITER_QUEUE_SIZE"`
	MaintenanceInterval int  `yaml:"maintenance_interval" env:"MAINTENANCE_INTERVAL"`
	LogDedupSeconds     int  `yaml:"log_dedup_seconds" env:"LOG_DEDUP_SECONDS"`

	ObservabilityAddress string `yaml:"observability_address" env:"OBSERVABILITY_ADDRESS"`

	APIEnabled       bool   `yaml:"api_enabled" env:"API_ENABLED"`
	APIListenAddress string `yaml:"api_listen_address" env:"API_LISTEN_ADDRESS"`
	APIAuthToken     string `yaml:"api_auth_token" env:"API_AUTH_TOKEN"`
	APIMaxPageSize   int    `yaml:"api_max_page_size" env:"API_MAX_PAGE_SIZE"`

	CacheBackend    string `yaml:"cache_backend" env:"CACHE_BACKEND"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" env:"CACHE_TTL_SECONDS"`
	RedisAddress    string `yaml:"redis_address" env:"REDIS_ADDRESS"`
	RedisUsername   string `yaml:"redis_username" env:"REDIS_USERNAME"`
	RedisPassword   string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB         int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisKeyPrefix  string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	RedisTLS        bool   `yaml:"redis_tls" env:"REDIS_TLS"`

	GroupingWindowHours int `yaml:"grouping_window_hours" env:"GROUPING_WINDOW_HOURS"`

	TopologyHours       int `yaml:"topology_hours" env:"TOPOLOGY_HOURS"`
	TopologyPacketLimit int `yaml:"topology_packet_limit" env:"TOPOLOGY_PACKET_LIMIT"`

	LongestLinksRefreshMinutes int     `yaml:"longest_links_refresh_minutes" env:"LONGEST_LINKS_REFRESH_MINUTES"`
	LongestLinksTimeoutSeconds int     `yaml:"longest_links_timeout_seconds" env:"LONGEST_LINKS_TIMEOUT_SECONDS"`
	LongestLinksWindowDays     int     `yaml:"longest_links_window_days" env:"LONGEST_LINKS_WINDOW_DAYS"`
	LongestLinksMapCeilingKm   float64 `yaml:"longest_links_map_ceiling_km" env:"LONGEST_LINKS_MAP_CEILING_KM"`

	ConfigPath string `yaml:"-"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                       "Meshtopo",
		DatabaseFile:               "meshtastic_history.db",
		LogLevel:                   "INFO",
		MQTTBrokerAddress:          "127.0.0.1",
		MQTTPort:                   1883,
		MQTTTopicPrefix:            "msh",
		MQTTTopicSuffix:            "/+/+/+/#",
		CaptureStoreRaw:            true,
		MaxEnvelopeBytes:           256 * 1024,
		WriterQueueSize:            512,
		MaintenanceInterval:        360,
		LogDedupSeconds:            60,
		ObservabilityAddress:       ":2112",
		APIEnabled:                 true,
		APIListenAddress:           ":8080",
		APIMaxPageSize:             500,
		CacheBackend:               CacheMemory,
		CacheTTLSeconds:            300,
		RedisKeyPrefix:             "meshtopo:",
		GroupingWindowHours:        168,
		TopologyHours:              24,
		TopologyPacketLimit:        5000,
		LongestLinksRefreshMinutes: 10,
		LongestLinksTimeoutSeconds: 120,
		LongestLinksWindowDays:     7,
		LongestLinksMapCeilingKm:   250,
	}
}

func (c *App) applyFile(path string) error {
	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil && !filepath.IsAbs(path) {
		path = abs
	}
	c.ConfigPath = path
	return nil
}

// applyEnv overrides fields from PREFIX + env tag. Earlier prefixes win, so
// they are applied last.
func (c *App) applyEnv() error {
	for i := len(envPrefixes) - 1; i >= 0; i-- {
		err := env.ParseWithOptions(c, env.Options{
			Prefix: envPrefixes[i],
			FuncMap: map[reflect.Type]env.ParserFunc{
				reflect.TypeOf(false): func(v string) (any, error) { return parseBool(v) },
			},
		})
		if err != nil {
			return fmt.Errorf("config: env: %w", err)
		}
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func (c *App) validate() error {
	switch c.CacheBackend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return errors.New("config: redis_address is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("config: unknown cache_backend %q", c.CacheBackend)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("config: mqtt_qos must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.LongestLinksWindowDays <= 0 {
		return fmt.Errorf("config: longest_links_window_days must be positive, got %d", c.LongestLinksWindowDays)
	}
	if c.LongestLinksMapCeilingKm <= 0 {
		return fmt.Errorf("config: longest_links_map_ceiling_km must be positive, got %v", c.LongestLinksMapCeilingKm)
	}
	return nil
}

// MaintenanceEvery converts the minute-based maintenance interval.
func (c *App) MaintenanceEvery() time.Duration {
	return time.Duration(c.MaintenanceInterval) * time.Minute
}

// CacheTTL is the default lifetime of cached lookups.
func (c *App) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LogDedupTTL is the window in which repeated ingestion warnings are muted.
func (c *App) LogDedupTTL() time.Duration {
	return time.Duration(c.LogDedupSeconds) * time.Second
}

// GroupingWindow is the default lookback for grouped packet listings.
func (c *App) GroupingWindow() time.Duration {
	return time.Duration(c.GroupingWindowHours) * time.Hour
}

// RefreshInterval is the longest-links rebuild cadence.
func (c *App) RefreshInterval() time.Duration {
	return time.Duration(c.LongestLinksRefreshMinutes) * time.Minute
}

// RefreshTimeout bounds a single rebuild.
func (c *App) RefreshTimeout() time.Duration {
	return time.Duration(c.LongestLinksTimeoutSeconds) * time.Second
}
