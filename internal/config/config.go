// Package config loads the daemon configuration from a TOML file with sane
// defaults for every field, so an empty or missing file yields a working
// setup against a local server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"mpdmirror/internal/artwork"
)

// Server holds the music server connection settings.
type Server struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
}

// Sync holds the synchronization timing knobs. Durations are expressed in
// milliseconds in the file.
type Sync struct {
	DebounceMs    int `toml:"debounce_ms"`
	BackoffMinMs  int `toml:"backoff_min_ms"`
	BackoffMaxMs  int `toml:"backoff_max_ms"`
	ReadyWaitMs   int `toml:"ready_wait_ms"`
	DialTimeoutMs int `toml:"dial_timeout_ms"`
}

// Artwork holds the artwork fetch policy.
type Artwork struct {
	// Strategies is the fallback order; valid values are "library" and
	// "metadata".
	Strategies     []string `toml:"strategies"`
	NegativeTTLMin int      `toml:"negative_ttl_minutes"`
}

// Bridge holds the consumer-facing websocket endpoint settings.
type Bridge struct {
	Listen string `toml:"listen"`
}

// Config is the full daemon configuration.
type Config struct {
	Server    Server  `toml:"server"`
	Sync      Sync    `toml:"sync"`
	Artwork   Artwork `toml:"artwork"`
	Bridge    Bridge  `toml:"bridge"`
	Favorites string  `toml:"favorites_playlist"`
	Debug     bool    `toml:"debug"`
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Server: Server{Host: "127.0.0.1", Port: 6600},
		Sync: Sync{
			DebounceMs:    150,
			BackoffMinMs:  500,
			BackoffMaxMs:  30000,
			ReadyWaitMs:   2000,
			DialTimeoutMs: 5000,
		},
		Artwork: Artwork{
			Strategies:     []string{string(artwork.StrategyLibrary), string(artwork.StrategyMetadata)},
			NegativeTTLMin: 10,
		},
		Bridge:    Bridge{Listen: "127.0.0.1:6680"},
		Favorites: "Favorites",
	}
}

// Load parses the TOML file at path over the defaults. A missing file is not
// an error; an unreadable or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field constraints the TOML schema cannot express.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sync.BackoffMinMs > c.Sync.BackoffMaxMs {
		return fmt.Errorf("sync.backoff_min_ms %d exceeds backoff_max_ms %d",
			c.Sync.BackoffMinMs, c.Sync.BackoffMaxMs)
	}
	if len(c.Artwork.Strategies) == 0 {
		return errors.New("artwork.strategies must name at least one strategy")
	}
	for _, s := range c.Artwork.Strategies {
		switch artwork.Strategy(s) {
		case artwork.StrategyLibrary, artwork.StrategyMetadata:
		default:
			return fmt.Errorf("artwork.strategies: unknown strategy %q", s)
		}
	}
	if c.Favorites == "" {
		return errors.New("favorites_playlist must not be empty")
	}
	return nil
}

// Addr returns the server dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ArtworkStrategies returns the typed strategy order.
func (c *Config) ArtworkStrategies() []artwork.Strategy {
	out := make([]artwork.Strategy, len(c.Artwork.Strategies))
	for i, s := range c.Artwork.Strategies {
		out[i] = artwork.Strategy(s)
	}
	return out
}

// Durations converted from their millisecond file representation.

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Sync.DebounceMs) * time.Millisecond
}

func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Sync.BackoffMinMs) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Sync.BackoffMaxMs) * time.Millisecond
}

func (c *Config) ReadyWait() time.Duration {
	return time.Duration(c.Sync.ReadyWaitMs) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Sync.DialTimeoutMs) * time.Millisecond
}

func (c *Config) NegativeTTL() time.Duration {
	return time.Duration(c.Artwork.NegativeTTLMin) * time.Minute
}
