package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for everything except the delivery URL, which has none on purpose.
const (
	DefaultStreamURL      = "wss://api.hyperliquid.xyz/ws"
	DefaultInfoURL        = "https://api.hyperliquid.xyz/info"
	DefaultHeartbeatMs    = 30_000
	DefaultReconnectMs    = 5_000
	DefaultKeepaliveMs    = 50_000
	DefaultPollMs         = 30_000
	DefaultLookbackMs     = 300_000
	DefaultTimeoutMs      = 10_000
	DefaultStatusPort     = 8787
	DefaultMetricsAddr    = "0.0.0.0:2112"
	DefaultPollRatePerSec = 4
)

type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Stream     StreamConfig     `yaml:"stream"`
	Poll       PollConfig       `yaml:"poll"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Status     StatusConfig     `yaml:"status"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type RelayConfig struct {
	Name      string   `yaml:"name"`
	Version   string   `yaml:"version"`
	Addresses []string `yaml:"addresses"`
}

type StreamConfig struct {
	URL         string `yaml:"url"`
	HeartbeatMs int    `yaml:"heartbeat_ms"`
	ReconnectMs int    `yaml:"reconnect_ms"`
	KeepaliveMs int    `yaml:"keepalive_ms"`
}

type PollConfig struct {
	InfoURL           string `yaml:"info_url"`
	IntervalMs        int    `yaml:"interval_ms"`
	LookbackMs        int    `yaml:"lookback_ms"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
}

type DeliveryConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type StatusConfig struct {
	Port int `yaml:"port"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func (c StreamConfig) Heartbeat() time.Duration { return time.Duration(c.HeartbeatMs) * time.Millisecond }
func (c StreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectMs) * time.Millisecond
}
func (c StreamConfig) Keepalive() time.Duration { return time.Duration(c.KeepaliveMs) * time.Millisecond }

func (c PollConfig) Interval() time.Duration { return time.Duration(c.IntervalMs) * time.Millisecond }
func (c PollConfig) Lookback() time.Duration { return time.Duration(c.LookbackMs) * time.Millisecond }
func (c PollConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutMs) * time.Millisecond }

func (c DeliveryConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// LoadConfig reads the YAML file when it exists, layers environment
// overrides on top and applies defaults. The file is optional; the
// environment alone can fully configure the relay.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file '%s': %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file '%s': %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_ADDRESSES"); v != "" {
		c.Relay.Addresses = splitAddresses(v)
	}
	if v := os.Getenv("DELIVERY_URL"); v != "" {
		c.Delivery.URL = v
	}
	if v := os.Getenv("STREAM_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("INFO_URL"); v != "" {
		c.Poll.InfoURL = v
	}
	envInt("HEARTBEAT_INTERVAL_MS", &c.Stream.HeartbeatMs)
	envInt("RECONNECT_DELAY_MS", &c.Stream.ReconnectMs)
	envInt("KEEPALIVE_INTERVAL_MS", &c.Stream.KeepaliveMs)
	envInt("POLL_INTERVAL_MS", &c.Poll.IntervalMs)
	envInt("POLL_LOOKBACK_MS", &c.Poll.LookbackMs)
	envInt("STATUS_PORT", &c.Status.Port)
}

func (c *Config) applyDefaults() {
	if c.Relay.Name == "" {
		c.Relay.Name = "fillrelay"
	}
	if c.Stream.URL == "" {
		c.Stream.URL = DefaultStreamURL
	}
	if c.Stream.HeartbeatMs <= 0 {
		c.Stream.HeartbeatMs = DefaultHeartbeatMs
	}
	if c.Stream.ReconnectMs <= 0 {
		c.Stream.ReconnectMs = DefaultReconnectMs
	}
	if c.Stream.KeepaliveMs <= 0 {
		c.Stream.KeepaliveMs = DefaultKeepaliveMs
	}
	if c.Poll.InfoURL == "" {
		c.Poll.InfoURL = DefaultInfoURL
	}
	if c.Poll.IntervalMs <= 0 {
		c.Poll.IntervalMs = DefaultPollMs
	}
	if c.Poll.LookbackMs <= 0 {
		c.Poll.LookbackMs = DefaultLookbackMs
	}
	if c.Poll.TimeoutMs <= 0 {
		c.Poll.TimeoutMs = DefaultTimeoutMs
	}
	if c.Poll.RequestsPerSecond <= 0 {
		c.Poll.RequestsPerSecond = DefaultPollRatePerSec
	}
	if c.Delivery.TimeoutMs <= 0 {
		c.Delivery.TimeoutMs = DefaultTimeoutMs
	}
	if c.Status.Port <= 0 {
		c.Status.Port = DefaultStatusPort
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddr
	}
}

// Validate reports the only fatal condition in the system: a missing
// delivery URL. Everything else has a default or self-heals at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Delivery.URL) == "" {
		return fmt.Errorf("delivery url is required (set delivery.url or DELIVERY_URL)")
	}
	return nil
}

func splitAddresses(raw string) []string {
	parts := strings.Split(raw, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			addrs = append(addrs, p)
		}
	}
	return addrs
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
