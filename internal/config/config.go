// Package config loads the beacon configuration from a YAML file, overlays
// BEACON_* environment variables and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

const envPrefix = "BEACON_"

const (
	EncoderLoki = "loki"
	EncoderSLS  = "sls"
)

type AppConfig struct {
	DataDir string `yaml:"data_dir"`

	Endpoint    string `yaml:"endpoint"`
	Encoder     string `yaml:"encoder"`
	ContentType string `yaml:"content_type"`
	AuthUser    string `yaml:"auth_user"`
	AuthToken   string `yaml:"auth_token"`
	BeaconQueue int    `yaml:"beacon_queue"`
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration `yaml:"send_timeout"`

	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	QueueSize     int           `yaml:"queue_size"`

	GeoDisabled      bool          `yaml:"geo_disabled"`
	GeoURL           string        `yaml:"geo_url"`
	GeoTimeout       time.Duration `yaml:"geo_timeout"`
	GeoRetryInterval time.Duration `yaml:"geo_retry_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Fsync     string `yaml:"fsync"`

	TailRoot         string        `yaml:"tail_root"`
	TailScanInterval time.Duration `yaml:"tail_scan_interval"`
	TailWorkers      int           `yaml:"tail_workers"`
	TailQueueSize    int           `yaml:"tail_queue_size"`

	ClientID  string `yaml:"client_id"`
	Host      string `yaml:"host"`
	UserAgent string `yaml:"user_agent"`
}

func Default() AppConfig {
	host, _ := os.Hostname()
	return AppConfig{
		DataDir:          "./beacon-data",
		Encoder:          EncoderLoki,
		BeaconQueue:      16,
		SendTimeout:      10 * time.Second,
		FlushSize:        logging.DefaultFlushSize,
		FlushInterval:    logging.DefaultFlushInterval,
		DedupWindow:      logging.DefaultDedupWindow,
		PollInterval:     logging.DefaultPollInterval,
		QueueSize:        logging.DefaultQueueSize,
		GeoTimeout:       3 * time.Second,
		GeoRetryInterval: time.Minute,
		LogLevel:         "info",
		LogFormat:        "text",
		Fsync:            "interval",
		TailRoot:         "/var/log/pods",
		TailScanInterval: 30 * time.Second,
		TailWorkers:      2,
		TailQueueSize:    50,
		Host:             host,
	}
}

// Load reads path (if non-empty) over the defaults, applies the environment
// and validates.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.Endpoint = getEnv("ENDPOINT", c.Endpoint)
	c.Encoder = getEnv("ENCODER", c.Encoder)
	c.ContentType = getEnv("CONTENT_TYPE", c.ContentType)
	c.AuthUser = getEnv("AUTH_USER", c.AuthUser)
	c.AuthToken = getEnv("AUTH_TOKEN", c.AuthToken)
	c.BeaconQueue = getEnvAsInt("SEND_QUEUE", c.BeaconQueue)
	c.SendTimeout = getEnvAsDuration("SEND_TIMEOUT", c.SendTimeout)
	c.FlushSize = getEnvAsInt("FLUSH_SIZE", c.FlushSize)
	c.FlushInterval = getEnvAsDuration("FLUSH_INTERVAL", c.FlushInterval)
	c.DedupWindow = getEnvAsDuration("DEDUP_WINDOW", c.DedupWindow)
	c.PollInterval = getEnvAsDuration("POLL_INTERVAL", c.PollInterval)
	c.QueueSize = getEnvAsInt("QUEUE_SIZE", c.QueueSize)
	c.GeoDisabled = getEnvAsBool("GEO_DISABLED", c.GeoDisabled)
	c.GeoURL = getEnv("GEO_URL", c.GeoURL)
	c.GeoTimeout = getEnvAsDuration("GEO_TIMEOUT", c.GeoTimeout)
	c.GeoRetryInterval = getEnvAsDuration("GEO_RETRY_INTERVAL", c.GeoRetryInterval)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.Fsync = getEnv("FSYNC", c.Fsync)
	c.TailRoot = getEnv("TAIL_ROOT", c.TailRoot)
	c.TailScanInterval = getEnvAsDuration("TAIL_SCAN_INTERVAL", c.TailScanInterval)
	c.TailWorkers = getEnvAsInt("TAIL_WORKERS", c.TailWorkers)
	c.TailQueueSize = getEnvAsInt("TAIL_QUEUE_SIZE", c.TailQueueSize)
	c.ClientID = getEnv("CLIENT_ID", c.ClientID)
	c.Host = getEnv("HOST", c.Host)
	c.UserAgent = getEnv("USER_AGENT", c.UserAgent)
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Encoder {
	case EncoderLoki, EncoderSLS:
	default:
		errs = append(errs, fmt.Errorf("unknown encoder %q", c.Encoder))
	}
	if c.FlushSize <= 0 {
		errs = append(errs, errors.New("flush_size must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("dedup_window must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	switch strings.ToLower(c.Fsync) {
	case "", "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("unknown fsync mode %q", c.Fsync))
	}
	if c.TailWorkers < 0 {
		errs = append(errs, errors.New("tail_workers must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Pipeline returns the flush controller settings.
func (c AppConfig) Pipeline() logging.Config {
	return logging.Config{
		FlushSize:     c.FlushSize,
		FlushInterval: c.FlushInterval,
		DedupWindow:   c.DedupWindow,
		PollInterval:  c.PollInterval,
		QueueSize:     c.QueueSize,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}
