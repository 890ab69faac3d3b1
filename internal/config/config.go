// Package config loads the service's configuration from a YAML file on
// disk, falling back to documented defaults when the file is absent, with
// environment variables able to override individual fields and CLI flags
// taking precedence over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kakoidb/kakoidb/internal/duration"
)

// Storage holds the embedded KV store's configuration.
type Storage struct {
	Path string `yaml:"path"`
}

// Janitor holds the background retention task's configuration.
type Janitor struct {
	Interval duration.Duration `yaml:"interval"`
}

// Server holds the HTTP API's listen configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Metrics holds the Prometheus exposition configuration.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// HotKeys holds the hot-series tracker's configuration.
type HotKeys struct {
	TopN int `yaml:"top_n"`
}

// Backup holds the snapshot/export feature's configuration.
type Backup struct {
	Dir string `yaml:"dir"`
}

// Config is the complete, loaded configuration for one instance of the
// service.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Janitor  Janitor  `yaml:"janitor"`
	Server   Server   `yaml:"server"`
	LogLevel string   `yaml:"log_level"`
	Metrics  Metrics  `yaml:"metrics"`
	HotKeys  HotKeys  `yaml:"hotkeys"`
	Backup   Backup   `yaml:"backup"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Storage:  Storage{Path: "data/kakoidb.db"},
		Janitor:  Janitor{Interval: duration.MustParse("5 minutes")},
		Server:   Server{Host: "0.0.0.0", Port: 8080},
		LogLevel: "info",
		Metrics:  Metrics{Enabled: true},
		HotKeys:  HotKeys{TopN: 100},
		Backup:   Backup{Dir: "data/backups"},
	}
}

// Load reads path as YAML into a Config seeded with defaults, then applies
// environment variable overrides. A missing file is not an error: it
// yields the default configuration with environment overrides still
// applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envPrefix is this codebase's environment-variable namespace, following
// the PREFIX_FIELD_NAME convention: KAKOIDB_STORAGE_PATH,
// KAKOIDB_JANITOR_INTERVAL, KAKOIDB_SERVER_HOST, KAKOIDB_SERVER_PORT,
// KAKOIDB_LOG_LEVEL, KAKOIDB_METRICS_ENABLED, KAKOIDB_HOTKEYS_TOP_N,
// KAKOIDB_BACKUP_DIR.
const envPrefix = "KAKOIDB_"

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnv("STORAGE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := lookupEnv("JANITOR_INTERVAL"); ok {
		d, err := duration.Parse(v)
		if err != nil {
			return fmt.Errorf("config: %sJANITOR_INTERVAL: %w", envPrefix, err)
		}
		cfg.Janitor.Interval = d
	}
	if v, ok := lookupEnv("SERVER_HOST"); ok {
		cfg.Server.Host = v
	}
	if v, ok := lookupEnv("SERVER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sSERVER_PORT: %w", envPrefix, err)
		}
		cfg.Server.Port = n
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookupEnv("HOTKEYS_TOP_N"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sHOTKEYS_TOP_N: %w", envPrefix, err)
		}
		cfg.HotKeys.TopN = n
	}
	if v, ok := lookupEnv("BACKUP_DIR"); ok {
		cfg.Backup.Dir = v
	}
	return nil
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

// Addr renders the server's listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
