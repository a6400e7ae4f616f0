// Package config loads switchboard settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every recognized option. Intervals are whole seconds.
type Config struct {
	DiscoveryInterval int    `env:"SWITCHBOARD_DISCOVERY_INTERVAL"   envDefault:"60"`
	DiscoveryRetry    int    `env:"SWITCHBOARD_DISCOVERY_RETRY"      envDefault:"10"`
	HeartbeatInterval int    `env:"SWITCHBOARD_HEARTBEAT_INTERVAL"   envDefault:"30"`
	EvictionTTL       int    `env:"SWITCHBOARD_EVICTION_TTL"         envDefault:"120"`
	SweepInterval     int    `env:"SWITCHBOARD_SWEEP_INTERVAL"       envDefault:"30"`
	BusURL            string `env:"SWITCHBOARD_BUS_URL"`
	BusPrefix         string `env:"SWITCHBOARD_BUS_PREFIX"           envDefault:"switchboard"`
	BusReconnectDelay int    `env:"SWITCHBOARD_BUS_RECONNECT_DELAY"  envDefault:"5"`
	DirectoryURL      string `env:"SWITCHBOARD_DIRECTORY_URL"`
	RequestTimeout    int    `env:"SWITCHBOARD_REQUEST_TIMEOUT"      envDefault:"10"`
	SendTimeout       int    `env:"SWITCHBOARD_SEND_TIMEOUT"         envDefault:"5"`
	HTTPAddr          string `env:"SWITCHBOARD_HTTP_ADDR"            envDefault:":8080"`
	LogLevel          string `env:"LOG_LEVEL"                        envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT"                       envDefault:"console"`
}

// Load reads the given .env files, then the process environment. Missing
// files are skipped; with no files ".env" is tried.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return parse(env.Options{})
}

// FromMap builds a Config from vars alone, ignoring the process environment.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the background loops can't run with.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"SWITCHBOARD_DISCOVERY_INTERVAL":  c.DiscoveryInterval,
		"SWITCHBOARD_DISCOVERY_RETRY":     c.DiscoveryRetry,
		"SWITCHBOARD_HEARTBEAT_INTERVAL":  c.HeartbeatInterval,
		"SWITCHBOARD_EVICTION_TTL":        c.EvictionTTL,
		"SWITCHBOARD_SWEEP_INTERVAL":      c.SweepInterval,
		"SWITCHBOARD_BUS_RECONNECT_DELAY": c.BusReconnectDelay,
		"SWITCHBOARD_REQUEST_TIMEOUT":     c.RequestTimeout,
		"SWITCHBOARD_SEND_TIMEOUT":        c.SendTimeout,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if strings.TrimSpace(c.BusPrefix) == "" || strings.ContainsAny(c.BusPrefix, " *>") {
		errs = append(errs, fmt.Errorf("SWITCHBOARD_BUS_PREFIX %q is not a valid subject prefix", c.BusPrefix))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) DiscoveryEvery() time.Duration         { return seconds(c.DiscoveryInterval) }
func (c Config) DiscoveryRetryAfter() time.Duration    { return seconds(c.DiscoveryRetry) }
func (c Config) HeartbeatEvery() time.Duration         { return seconds(c.HeartbeatInterval) }
func (c Config) TTL() time.Duration                    { return seconds(c.EvictionTTL) }
func (c Config) SweepEvery() time.Duration             { return seconds(c.SweepInterval) }
func (c Config) ReconnectDelay() time.Duration         { return seconds(c.BusReconnectDelay) }
func (c Config) RequestTimeoutDuration() time.Duration { return seconds(c.RequestTimeout) }
func (c Config) SendTimeoutDuration() time.Duration    { return seconds(c.SendTimeout) }

// LocalOnly reports whether no bus is configured.
func (c Config) LocalOnly() bool { return c.BusURL == "" }

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
