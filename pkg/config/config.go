package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDCARE_SERVER_PORT
const EnvPrefix = "CLOUDCARE"

// Service names, as used in the services section
const (
	ServicePatient   = "patient"
	ServiceDoctor    = "doctor"
	ServiceHospital  = "hospital"
	ServiceEmergency = "emergency"
	ServiceWearables = "wearables"
)

// serviceDefaults are the local development addresses of each service
var serviceDefaults = []struct {
	name string
	url  string
}{
	{ServicePatient, "http://localhost:8001"},
	{ServiceDoctor, "http://localhost:8002"},
	{ServiceHospital, "http://localhost:8003"},
	{ServiceEmergency, "http://localhost:8004"},
	{ServiceWearables, "http://localhost:8005"},
}

// Config holds the application configuration
type Config struct {
	Services ServicesConfig `mapstructure:"services"`
	Client   ClientConfig   `mapstructure:"client"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Timeplus TimeplusConfig `mapstructure:"timeplus"`
	Session  SessionConfig  `mapstructure:"session"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServiceNames lists the configured services in port order
func ServiceNames() []string {
	names := make([]string, len(serviceDefaults))
	for i, s := range serviceDefaults {
		names[i] = s.name
	}
	return names
}

// ServicesConfig holds the base URL of each CloudCare service. The desk talks
// to the emergency service; the others are checked by cmd/setup.
type ServicesConfig struct {
	Patient   string `mapstructure:"patient"`
	Doctor    string `mapstructure:"doctor"`
	Hospital  string `mapstructure:"hospital"`
	Emergency string `mapstructure:"emergency"`
	Wearables string `mapstructure:"wearables"`
}

// URL returns the base URL of the named service
func (s ServicesConfig) URL(name string) (string, error) {
	switch name {
	case ServicePatient:
		return s.Patient, nil
	case ServiceDoctor:
		return s.Doctor, nil
	case ServiceHospital:
		return s.Hospital, nil
	case ServiceEmergency:
		return s.Emergency, nil
	case ServiceWearables:
		return s.Wearables, nil
	}
	return "", fmt.Errorf("unknown service %q", name)
}

// ClientConfig holds the REST client configuration
type ClientConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig holds the alert stream reconnect policy
type StreamConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	MaxElapsed      time.Duration `mapstructure:"maxElapsed"`
	MaxRetries      uint64        `mapstructure:"maxRetries"`
	DedupWindow     int           `mapstructure:"dedupWindow"`
}

// FeedConfig holds the local feed configuration
type FeedConfig struct {
	Capacity int  `mapstructure:"capacity"`
	Dedup    bool `mapstructure:"dedup"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// Origins splits AllowedOrigins on commas
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RedisConfig holds the Redis fan-out configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	History  int    `mapstructure:"history"`
}

// TimeplusConfig holds the Timeplus connection configuration
type TimeplusConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Address         string `mapstructure:"address"`
	Password        string `mapstructure:"password"`
	Username        string `mapstructure:"username"`
	Workspace       string `mapstructure:"workspace"`
	ConnectAttempts int    `mapstructure:"connectAttempts"`
}

// SessionConfig identifies the user the desk runs for
type SessionConfig struct {
	Role       string `mapstructure:"role"`
	UserID     string `mapstructure:"userId"`
	HospitalID string `mapstructure:"hospitalId"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config
	v := viper.New()

	// Set default values
	for _, s := range serviceDefaults {
		v.SetDefault("services."+s.name, s.url)
	}
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("stream.initialInterval", "500ms")
	v.SetDefault("stream.maxInterval", "30s")
	v.SetDefault("stream.maxElapsed", "0s")
	v.SetDefault("stream.maxRetries", 0)
	v.SetDefault("stream.dedupWindow", 512)
	v.SetDefault("feed.capacity", 100)
	v.SetDefault("feed.dedup", false)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.shutdownTimeout", 10)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "cloudcare:emergency:alerts")
	v.SetDefault("redis.history", 100)
	v.SetDefault("timeplus.enabled", false)
	v.SetDefault("timeplus.address", "localhost:8463")
	v.SetDefault("timeplus.username", "default")
	v.SetDefault("timeplus.password", "")
	v.SetDefault("timeplus.workspace", "default")
	v.SetDefault("timeplus.connectAttempts", 5)
	v.SetDefault("session.role", "doctor")
	v.SetDefault("session.userId", "")
	v.SetDefault("session.hospitalId", "")
	v.SetDefault("log.level", "info")

	// Allow environment variables to override config file
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The web frontend's variable names are honoured too
	for _, s := range serviceDefaults {
		key := "services." + s.name
		frontendEnv := "NEXT_PUBLIC_" + strings.ToUpper(s.name) + "_API_URL"
		if err := v.BindEnv(key, EnvPrefix+"_SERVICES_"+strings.ToUpper(s.name), frontendEnv); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL"); err != nil {
		return nil, err
	}

	// If config file is provided, read it
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	for _, s := range serviceDefaults {
		raw, _ := c.Services.URL(s.name)
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("services.%s: invalid URL %q", s.name, raw)
		}
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	if c.Feed.Capacity <= 0 {
		return fmt.Errorf("feed.capacity must be positive")
	}
	return nil
}
