// Package config loads bridge settings from defaults, an optional YAML file,
// an optional .env file and the process environment, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every bridge setting. Fields are filled from defaults, then
// the YAML file, then the environment.
type Config struct {
	// Stream transport
	WSHost    string `yaml:"ws_host" env:"BRIDGE_WS_HOST"`
	WSPort    int    `yaml:"ws_port" env:"BRIDGE_WS_PORT"`
	TCPAddr   string `yaml:"tcp_addr" env:"BRIDGE_TCP_ADDR"`
	StaticDir string `yaml:"static_dir" env:"BRIDGE_STATIC_DIR"`

	// OSC
	OSCTargetHost string `yaml:"osc_target_host" env:"BRIDGE_OSC_TARGET_HOST"`
	OSCTargetPort int    `yaml:"osc_target_port" env:"BRIDGE_OSC_TARGET_PORT"`
	OSCListenHost string `yaml:"osc_listen_host" env:"BRIDGE_OSC_LISTEN_HOST" default:"0.0.0.0"`
	OSCListenPort int    `yaml:"osc_listen_port" env:"BRIDGE_OSC_LISTEN_PORT"`

	// Limits
	WriteTimeout time.Duration `yaml:"write_timeout" env:"BRIDGE_WRITE_TIMEOUT" default:"5s"`
	MaxFrameSize int64         `yaml:"max_frame_size" env:"BRIDGE_MAX_FRAME_SIZE" default:"65536"`
	RateLimit    float64       `yaml:"rate_limit" env:"BRIDGE_RATE_LIMIT" default:"0"`
	RateBurst    int           `yaml:"rate_burst" env:"BRIDGE_RATE_BURST" default:"20"`

	// Observability
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"BRIDGE_METRICS_ENABLED" default:"true"`
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat      string `yaml:"log_format" env:"LOG_FORMAT" default:"text"`
}

// Default returns a Config holding only the optional settings' defaults.
func Default() *Config {
	return &Config{
		OSCListenHost:  "0.0.0.0",
		WriteTimeout:   5 * time.Second,
		MaxFrameSize:   65536,
		RateBurst:      20,
		MetricsEnabled: true,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Config. configPath names an optional YAML file; envFile
// names an optional .env file, and a missing .env file is not an error.
// Variables already set in the process environment win over the .env file.
func Load(configPath, envFile string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadYAML(configPath); err != nil {
			return nil, err
		}
	}

	src := source{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		default:
			src.dotenv = values
		}
	}

	if err := cfg.loadEnv(src); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv(src source) error {
	loaders := []func() error{
		func() error { return src.loadString(&c.WSHost, "BRIDGE_WS_HOST") },
		func() error { return src.loadInt(&c.WSPort, "BRIDGE_WS_PORT") },
		func() error { return src.loadString(&c.TCPAddr, "BRIDGE_TCP_ADDR") },
		func() error { return src.loadString(&c.StaticDir, "BRIDGE_STATIC_DIR") },
		func() error { return src.loadString(&c.OSCTargetHost, "BRIDGE_OSC_TARGET_HOST") },
		func() error { return src.loadInt(&c.OSCTargetPort, "BRIDGE_OSC_TARGET_PORT") },
		func() error { return src.loadString(&c.OSCListenHost, "BRIDGE_OSC_LISTEN_HOST") },
		func() error { return src.loadInt(&c.OSCListenPort, "BRIDGE_OSC_LISTEN_PORT") },
		func() error { return src.loadDuration(&c.WriteTimeout, "BRIDGE_WRITE_TIMEOUT") },
		func() error { return src.loadInt64(&c.MaxFrameSize, "BRIDGE_MAX_FRAME_SIZE") },
		func() error { return src.loadFloat(&c.RateLimit, "BRIDGE_RATE_LIMIT") },
		func() error { return src.loadInt(&c.RateBurst, "BRIDGE_RATE_BURST") },
		func() error { return src.loadBool(&c.MetricsEnabled, "BRIDGE_METRICS_ENABLED") },
		func() error { return src.loadString(&c.LogLevel, "LOG_LEVEL") },
		func() error { return src.loadString(&c.LogFormat, "LOG_FORMAT") },
	}

	var errs []error
	for _, load := range loaders {
		if err := load(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// source resolves a key from the process environment, then the .env values.
type source struct {
	dotenv map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value, true
	}
	value, ok := s.dotenv[key]
	return value, ok && value != ""
}

func (s source) loadString(target *string, key string) error {
	if value, ok := s.lookup(key); ok {
		*target = value
	}
	return nil
}

func (s source) loadInt(target *int, key string) error {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

func (s source) loadInt64(target *int64, key string) error {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

func (s source) loadFloat(target *float64, key string) error {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

func (s source) loadBool(target *bool, key string) error {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

func (s source) loadDuration(target *time.Duration, key string) error {
	if value, ok := s.lookup(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	}
	return nil
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var problems []string

	if c.WSHost == "" {
		problems = append(problems, "BRIDGE_WS_HOST is required")
	}
	if c.OSCTargetHost == "" {
		problems = append(problems, "BRIDGE_OSC_TARGET_HOST is required")
	}
	if !validPort(c.WSPort) {
		problems = append(problems, "BRIDGE_WS_PORT must be between 1 and 65535")
	}
	if !validPort(c.OSCTargetPort) {
		problems = append(problems, "BRIDGE_OSC_TARGET_PORT must be between 1 and 65535")
	}
	if !validPort(c.OSCListenPort) {
		problems = append(problems, "BRIDGE_OSC_LISTEN_PORT must be between 1 and 65535")
	}
	if c.TCPAddr != "" {
		if _, _, err := net.SplitHostPort(c.TCPAddr); err != nil {
			problems = append(problems, fmt.Sprintf("BRIDGE_TCP_ADDR must be host:port: %v", err))
		}
	}
	if c.StaticDir != "" {
		if info, err := os.Stat(c.StaticDir); err != nil || !info.IsDir() {
			problems = append(problems, "BRIDGE_STATIC_DIR must be an existing directory")
		}
	}
	if c.WriteTimeout < 0 {
		problems = append(problems, "BRIDGE_WRITE_TIMEOUT must not be negative")
	}
	if c.MaxFrameSize < 0 {
		problems = append(problems, "BRIDGE_MAX_FRAME_SIZE must not be negative")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "BRIDGE_RATE_LIMIT must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		problems = append(problems, "BRIDGE_RATE_BURST must be at least 1 when rate limiting is enabled")
	}
	if !contains(validLogLevels, c.LogLevel) {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	if !contains(validLogFormats, c.LogFormat) {
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WSAddr returns the stream listen address.
func (c *Config) WSAddr() string {
	return net.JoinHostPort(c.WSHost, strconv.Itoa(c.WSPort))
}

// OSCListenAddr returns the datagram listen address.
func (c *Config) OSCListenAddr() string {
	return net.JoinHostPort(c.OSCListenHost, strconv.Itoa(c.OSCListenPort))
}

// NewLogger builds a slog.Logger writing to w in the configured format and level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
