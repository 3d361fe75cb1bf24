// Package config handles FamilyDash configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/familydash/config.yaml, /etc/familydash/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "familydash", "config.yaml"))
	}

	paths = append(paths, "/etc/familydash/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the default locations contain a config file. The
// dashboard can run on defaults plus environment variables alone, so
// callers usually treat this as non-fatal.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all FamilyDash configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Topics        TopicsConfig        `yaml:"topics"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Weather       WeatherConfig       `yaml:"weather"`
	Tibber        TibberConfig        `yaml:"tibber"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// PublicURL is the address tablets and phones use to reach the
	// dashboard. It is rendered as a QR code on /v1/qr. Optional.
	PublicURL string `yaml:"public_url"`
	// StreamIntervalSec is the fixed refresh cadence of the WebSocket
	// snapshot stream (default 5).
	StreamIntervalSec int `yaml:"stream_interval_sec"`
}

// MQTTConfig defines the broker connection used by the ingestion
// subsystem.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID is the per-instance identity. Empty means
	// "familydash-<instance id>" with the instance id persisted in the
	// data directory.
	ClientID     string `yaml:"client_id"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
	// RateLimit caps inbound messages per second. Zero disables the cap.
	RateLimit int `yaml:"rate_limit"`
	// Discovery publishes a Home Assistant MQTT discovery config so the
	// dashboard shows up as a connectivity sensor.
	Discovery       bool   `yaml:"discovery"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether ingestion should run at all.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Host != ""
}

// BrokerURL returns the broker address in the URL form expected by
// autopaho (mqtt://host:port or mqtts://host:port).
func (c MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// CalendarFeed is one calendar published on the broker. The wire topic
// is <calendar_prefix>/<name>/<window>.
type CalendarFeed struct {
	Name   string `yaml:"name"`
	Window string `yaml:"window"`
}

// TopicsConfig holds the topic prefixes the Topic Registry is built
// from. All topics are plain strings; only SensorPrefix is subscribed
// as a wildcard sub-tree.
type TopicsConfig struct {
	WasherPrefix   string         `yaml:"washer_prefix"`
	DryerPrefix    string         `yaml:"dryer_prefix"`
	Heartbeat      string         `yaml:"heartbeat"`
	CarPrefix      string         `yaml:"car_prefix"`
	EnvPrefix      string         `yaml:"env_prefix"`
	ClimateRooms   []string       `yaml:"climate_rooms"`
	AirQualityRoom string         `yaml:"air_quality_room"`
	Power          string         `yaml:"power"`
	CalendarPrefix string         `yaml:"calendar_prefix"`
	Calendars      []CalendarFeed `yaml:"calendars"`
	Weather        string         `yaml:"weather"`
	EnergyPrice    string         `yaml:"energy_price"`
	SensorPrefix   string         `yaml:"sensor_prefix"`
}

// HomeAssistantConfig defines HA connection settings and what the
// dashboard API may do with them. The API is unauthenticated, so only
// listed services and entities are reachable through it.
type HomeAssistantConfig struct {
	URL        string      `yaml:"url"`
	Token      string      `yaml:"token"`
	TimeoutSec float64     `yaml:"timeout_sec"`
	Services   []HAService `yaml:"services"`
	Entities   []string    `yaml:"entities"`
}

// HAService is a service call the UI may trigger by Name. Data is sent
// with every call; keys in it cannot be overridden by the request.
type HAService struct {
	Name    string         `yaml:"name"`
	Domain  string         `yaml:"domain"`
	Service string         `yaml:"service"`
	Data    map[string]any `yaml:"data"`
}

// Service returns the allowed service called name.
func (c HomeAssistantConfig) Service(name string) (HAService, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return HAService{}, false
}

// AllowsEntity reports whether entityID may be read through the API.
func (c HomeAssistantConfig) AllowsEntity(entityID string) bool {
	return slices.Contains(c.Entities, entityID)
}

// Configured reports whether both URL and token are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// Timeout returns the request timeout as a duration.
func (c HomeAssistantConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec * float64(time.Second))
}

// WeatherConfig defines the Open-Meteo forecast feed.
type WeatherConfig struct {
	Enabled     bool    `yaml:"enabled"`
	BaseURL     string  `yaml:"base_url"`
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	Timezone    string  `yaml:"timezone"`
	IntervalSec int     `yaml:"interval_sec"`
}

// TibberConfig defines the Tibber energy price feed.
type TibberConfig struct {
	Token       string `yaml:"token"`
	URL         string `yaml:"url"`
	IntervalSec int    `yaml:"interval_sec"`
}

// Configured reports whether a Tibber token is present.
func (c TibberConfig) Configured() bool {
	return c.Token != ""
}

// Load reads configuration from a YAML file on top of [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration that matches the topic layout of a
// stock FamilyDash installation.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8050, StreamIntervalSec: 5},
		MQTT: MQTTConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            1883,
			KeepAliveSec:    60,
			DiscoveryPrefix: "homeassistant",
		},
		Topics: TopicsConfig{
			WasherPrefix:   "home/appliance/washer",
			DryerPrefix:    "home/appliance/dryer",
			Heartbeat:      "home/heartbeat",
			CarPrefix:      "home/car",
			EnvPrefix:      "home/env",
			ClimateRooms:   []string{"livingroom"},
			AirQualityRoom: "livingroom",
			Power:          "home/power/state",
			CalendarPrefix: "home/calendar",
			Calendars: []CalendarFeed{
				{Name: "family", Window: "next7d"},
				{Name: "birthdays", Window: "next370d"},
			},
			Weather:      "home/weather/state",
			EnergyPrice:  "home/energy/price/state",
			SensorPrefix: "shelly-htg3",
		},
		HomeAssistant: HomeAssistantConfig{TimeoutSec: 5},
		Weather: WeatherConfig{
			Enabled:     true,
			BaseURL:     "https://api.open-meteo.com/v1/forecast",
			Latitude:    55.55,
			Longitude:   12.92,
			Timezone:    "Europe/Stockholm",
			IntervalSec: 900,
		},
		Tibber: TibberConfig{
			URL:         "https://api.tibber.com/v1-beta/gql",
			IntervalSec: 3600,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ApplyEnv overlays the environment variables the dashboard has always
// honoured onto cfg. lookup is usually [os.LookupEnv]; tests pass a map
// lookup instead of mutating the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
			return
		}
		*dst = f
	}

	if v, ok := lookup("MQTT_ENABLE"); ok {
		c.MQTT.Enabled = strings.TrimSpace(v) == "1"
	}
	str("MQTT_HOST", &c.MQTT.Host)
	if v, ok := lookup("MQTT_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("MQTT_PORT: invalid port %q", v))
		} else {
			c.MQTT.Port = port
		}
	}
	str("MQTT_USER", &c.MQTT.Username)
	str("MQTT_PASS", &c.MQTT.Password)
	str("MQTT_CLIENT", &c.MQTT.ClientID)
	if v, ok := lookup("MQTT_DEBUG"); ok && strings.TrimSpace(v) == "1" {
		c.LogLevel = "debug"
	}

	str("WASHER_PREFIX", &c.Topics.WasherPrefix)
	str("DRYER_PREFIX", &c.Topics.DryerPrefix)
	str("HEARTBEAT_TOPIC", &c.Topics.Heartbeat)
	str("SHELLY_PREFIX", &c.Topics.SensorPrefix)

	str("HA_BASE_URL", &c.HomeAssistant.URL)
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	str("HA_TOKEN", &c.HomeAssistant.Token)
	num("HA_TIMEOUT", &c.HomeAssistant.TimeoutSec)

	str("TIBBER_TOKEN", &c.Tibber.Token)

	num("WX_LAT", &c.Weather.Latitude)
	num("WX_LON", &c.Weather.Longitude)
	str("WX_TZ", &c.Weather.Timezone)

	return errors.Join(errs...)
}

// Validate checks the configuration for values that would prevent the
// dashboard from starting and fills in zero values that have a sensible
// default.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Listen.StreamIntervalSec <= 0 {
		c.Listen.StreamIntervalSec = 5
	}

	if c.MQTT.Enabled {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
		}
		if c.MQTT.KeepAliveSec <= 0 {
			c.MQTT.KeepAliveSec = 60
		}
		if c.MQTT.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("mqtt.rate_limit must not be negative"))
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
	}

	if c.HomeAssistant.TimeoutSec <= 0 {
		c.HomeAssistant.TimeoutSec = 5
	}
	seen := make(map[string]bool, len(c.HomeAssistant.Services))
	for i, svc := range c.HomeAssistant.Services {
		switch {
		case svc.Name == "" || svc.Domain == "" || svc.Service == "":
			errs = append(errs, fmt.Errorf("homeassistant.services[%d]: name, domain and service are required", i))
		case seen[svc.Name]:
			errs = append(errs, fmt.Errorf("homeassistant.services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = true
	}

	if c.Weather.Enabled {
		if c.Weather.IntervalSec <= 0 {
			c.Weather.IntervalSec = 900
		}
		if c.Weather.Timezone != "" {
			if _, err := time.LoadLocation(c.Weather.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("weather.timezone: %w", err))
			}
		}
	}
	if c.Tibber.IntervalSec <= 0 {
		c.Tibber.IntervalSec = 3600
	}

	for i, f := range c.Topics.Calendars {
		if f.Name == "" || f.Window == "" {
			errs = append(errs, fmt.Errorf("topics.calendars[%d]: name and window are required", i))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
