// Package config loads the pipeline configuration from a YAML file with
// environment variable overrides (a .env file is honored when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Broker      BrokerConfig      `yaml:"broker"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Poller      PollerConfig      `yaml:"poller"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains the query service HTTP settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	Version    string `yaml:"version"`
}

// BrokerConfig contains MQTT broker settings and the two topic names.
type BrokerConfig struct {
	Host         string `yaml:"host" validate:"required"`
	Port         int    `yaml:"port" validate:"gt=0"`
	ClientID     string `yaml:"client_id"`
	RegionsTopic string `yaml:"regions_topic" validate:"required"`
	AdsbTopic    string `yaml:"adsb_topic" validate:"required"`
}

// UpstreamConfig contains the tracking API settings. Username and password
// are optional; anonymous OpenSky access works with tighter rate limits.
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gt=0"`
}

// PollerConfig contains the poll cycle settings.
type PollerConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds" validate:"gt=0"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds" validate:"gt=0"`
}

// SnapshotConfig contains the durable snapshot store settings.
type SnapshotConfig struct {
	Path                   string `yaml:"path" validate:"required"`
	FreshnessWindowSeconds int    `yaml:"freshness_window_seconds" validate:"gt=0"`
	RetentionDays          int    `yaml:"retention_days" validate:"gt=0"`
}

// ArchiveConfig contains the SQLite history archive settings.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DBPath          string `yaml:"db_path"`
	RetentionDays   int    `yaml:"retention_days"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMS int    `yaml:"batch_interval_ms"`
	QueueSize       int    `yaml:"queue_size"`
	BusyTimeoutMS   int    `yaml:"busy_timeout_ms"`
}

// MaintenanceConfig contains the background job schedule (cron expression
// with seconds field).
type MaintenanceConfig struct {
	Schedule string `yaml:"schedule"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	File string `yaml:"file"`
}

// Load reads configuration from a YAML file, applies environment overrides,
// fills defaults, and validates the result. A missing file is not an error:
// the environment alone can carry a complete configuration.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if data, err := os.ReadFile(filename); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", filename, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv honors the environment variable names the deployment scripts use.
func (c *Config) applyEnv() {
	setString(&c.Broker.Host, "BROKER_HOST")
	setInt(&c.Broker.Port, "BROKER_PORT")
	setString(&c.Broker.RegionsTopic, "REGIONS_QUEUE")
	setString(&c.Broker.AdsbTopic, "ADSB_QUEUE")
	setString(&c.Upstream.BaseURL, "OPENSKY_API_URL")
	setString(&c.Upstream.Username, "OPENSKY_USERNAME")
	setString(&c.Upstream.Password, "OPENSKY_PASSWORD")
	setString(&c.Snapshot.Path, "DATABASE_PATH")
	setString(&c.Archive.DBPath, "ARCHIVE_PATH")
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setInt(&c.Poller.IntervalSeconds, "POLL_INTERVAL_SECONDS")
	setInt(&c.Snapshot.FreshnessWindowSeconds, "FRESHNESS_WINDOW_SECONDS")
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.0.0"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 1883
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "skywatch"
	}
	if c.Broker.RegionsTopic == "" {
		c.Broker.RegionsTopic = "regions"
	}
	if c.Broker.AdsbTopic == "" {
		c.Broker.AdsbTopic = "adsb"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 15
	}
	if c.Poller.IntervalSeconds == 0 {
		c.Poller.IntervalSeconds = 10
	}
	if c.Poller.BackoffCapSeconds == 0 {
		c.Poller.BackoffCapSeconds = 300
	}
	if c.Snapshot.FreshnessWindowSeconds == 0 {
		c.Snapshot.FreshnessWindowSeconds = 60
	}
	if c.Snapshot.RetentionDays == 0 {
		c.Snapshot.RetentionDays = 7
	}
	if c.Archive.Enabled {
		if c.Archive.RetentionDays == 0 {
			c.Archive.RetentionDays = 30
		}
		if c.Archive.BatchSize == 0 {
			c.Archive.BatchSize = 500
		}
		if c.Archive.BatchIntervalMS == 0 {
			c.Archive.BatchIntervalMS = 2000
		}
		if c.Archive.QueueSize == 0 {
			c.Archive.QueueSize = 10000
		}
		if c.Archive.BusyTimeoutMS == 0 {
			c.Archive.BusyTimeoutMS = 5000
		}
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "0 30 3 * * *"
	}
}

// PollInterval returns the base poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSeconds) * time.Second
}

// BackoffCap returns the maximum backed-off poll interval.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Poller.BackoffCapSeconds) * time.Second
}

// FreshnessWindow returns the maximum snapshot entry age still served live.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Snapshot.FreshnessWindowSeconds) * time.Second
}

// UpstreamTimeout returns the per-request upstream timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// Print displays the effective configuration at startup.
func (c *Config) Print() {
	fmt.Printf("Broker: %s:%d (topics: %s, %s)\n",
		c.Broker.Host, c.Broker.Port, c.Broker.RegionsTopic, c.Broker.AdsbTopic)
	fmt.Printf("Upstream: %s (poll every %ds, backoff cap %ds)\n",
		c.Upstream.BaseURL, c.Poller.IntervalSeconds, c.Poller.BackoffCapSeconds)
	fmt.Printf("Snapshot: %s (freshness %ds)\n", c.Snapshot.Path, c.Snapshot.FreshnessWindowSeconds)
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %dd)\n", c.Archive.DBPath, c.Archive.RetentionDays)
	}
	fmt.Printf("HTTP: %s\n", c.Server.ListenAddr)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
