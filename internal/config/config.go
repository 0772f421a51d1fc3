// Package config loads runtime settings from an optional YAML file with
// ARCANA_* environment overrides on top. Every knob has a default, so a
// missing file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DB holds connection settings for the trade store.
type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Rate holds outbound request pacing.
type Rate struct {
	MinDelaySeconds float64 `yaml:"min_delay_seconds"`
}

// Ingest holds backfill loop tuning.
type Ingest struct {
	WindowSeconds int `yaml:"window_seconds"`
	BatchSize     int `yaml:"batch_size"`
}

// Daemon holds live-mode tuning.
type Daemon struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level"`
}

// Config is the full runtime configuration.
type Config struct {
	DB     DB     `yaml:"db"`
	Rate   Rate   `yaml:"rate"`
	Ingest Ingest `yaml:"ingest"`
	Daemon Daemon `yaml:"daemon"`
	Log    Log    `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB: DB{
			Host:     "localhost",
			Port:     5432,
			Name:     "arcana",
			User:     "arcana",
			Password: "arcana",
		},
		Rate:   Rate{MinDelaySeconds: 0.12},
		Ingest: Ingest{WindowSeconds: 900, BatchSize: 1000},
		Daemon: Daemon{IntervalSeconds: 900},
		Log:    Log{Level: "info"},
	}
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides. A named file that cannot be read or
// parsed is an error; env values that fail to parse are errors too.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var err error
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, parseErr := strconv.Atoi(v)
		if parseErr != nil {
			err = fmt.Errorf("parsing %s=%q: %w", key, v, parseErr)
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		f, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			err = fmt.Errorf("parsing %s=%q: %w", key, v, parseErr)
			return
		}
		*dst = f
	}

	setString("ARCANA_DB_HOST", &c.DB.Host)
	setInt("ARCANA_DB_PORT", &c.DB.Port)
	setString("ARCANA_DB_NAME", &c.DB.Name)
	setString("ARCANA_DB_USER", &c.DB.User)
	setString("ARCANA_DB_PASSWORD", &c.DB.Password)
	setFloat("ARCANA_RATE_MIN_DELAY_SECONDS", &c.Rate.MinDelaySeconds)
	setInt("ARCANA_INGEST_WINDOW_SECONDS", &c.Ingest.WindowSeconds)
	setInt("ARCANA_INGEST_BATCH_SIZE", &c.Ingest.BatchSize)
	setInt("ARCANA_DAEMON_INTERVAL_SECONDS", &c.Daemon.IntervalSeconds)
	setString("ARCANA_DAEMON_METRICS_ADDR", &c.Daemon.MetricsAddr)
	setString("ARCANA_LOG_LEVEL", &c.Log.Level)
	return err
}

// ParseLevel resolves a configured log level. "warning" is accepted as
// an alias for zerolog's "warn".
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return level, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return level, nil
}

// MinDelay is the rate limit as a duration.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Rate.MinDelaySeconds * float64(time.Second))
}

// Window is the backfill fetch window width.
func (c Config) Window() time.Duration {
	return time.Duration(c.Ingest.WindowSeconds) * time.Second
}

// DaemonInterval is the live-mode polling interval.
func (c Config) DaemonInterval() time.Duration {
	return time.Duration(c.Daemon.IntervalSeconds) * time.Second
}
