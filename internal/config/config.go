// Package config handles daemon configuration
package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/eva-daemon/internal/errors"
)

// Config holds daemon settings. Values are layered: defaults, then the YAML
// file named by EVA_CONFIG, then environment variables (.env included).
type Config struct {
	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	LogLevel       string        `yaml:"log_level"`
	AudioDevice    string        `yaml:"audio_device"`
	EventBuffer    int           `yaml:"event_buffer"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	ServiceName    string        `yaml:"service_name"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPAddr:       "127.0.0.1:8765",
		GRPCAddr:       "127.0.0.1:8766",
		LogLevel:       "info",
		EventBuffer:    16,
		WebhookTimeout: 5 * time.Second,
		MetricsEnabled: true,
		ServiceName:    "eva-daemon",
		AllowedOrigins: []string{"localhost", "127.0.0.1"},
	}
}

// Load builds the configuration from all layers and validates it.
func Load() (*Config, error) {
	envFile := getEnv("EVA_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "load %s", envFile)
	}

	cfg := Defaults()
	if path := os.Getenv("EVA_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "open %s", path)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse %s", path)
		}
	}

	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML over the defaults and validates the result.
// Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := decode(r, cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "parse config")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AudioDevice = getEnv("AUDIO_DEVICE", cfg.AudioDevice)
	cfg.EventBuffer = getEnvInt("EVENT_BUFFER", cfg.EventBuffer)
	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
}

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	var errs []error

	if _, _, err := net.SplitHostPort(cfg.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("http_addr %q: %w", cfg.HTTPAddr, err))
	}
	if _, _, err := net.SplitHostPort(cfg.GRPCAddr); err != nil {
		errs = append(errs, fmt.Errorf("grpc_addr %q: %w", cfg.GRPCAddr, err))
	}
	if _, ok := parseLevel(cfg.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", cfg.EventBuffer))
	}
	if cfg.WebhookURL != "" {
		u, err := url.Parse(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook_url %q must be an absolute http(s) URL", cfg.WebhookURL))
		}
	}
	if cfg.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("webhook_timeout must be positive, got %v", cfg.WebhookTimeout))
	}
	if cfg.ServiceName == "" {
		errs = append(errs, fmt.Errorf("service_name must not be empty"))
	}

	if err := stderrors.Join(errs...); err != nil {
		return apperrors.Wrap(err, apperrors.ConfigInvalid, "invalid configuration")
	}
	return nil
}

// SlogLevel returns LogLevel as a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
