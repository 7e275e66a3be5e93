package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration lets durations be written as strings like "30s" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TomlSource configures where announcements are read from
type TomlSource struct {
	URI       string            `toml:"uri"`
	Headers   map[string]string `toml:"headers,omitempty"`
	Timeout   Duration          `toml:"timeout"`
	UserAgent string            `toml:"user_agent"`
}

// TomlTracker configures the tracker used to resolve download links
type TomlTracker struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

type TomlEngine struct {
	Workers      int      `toml:"workers"`
	Interval     Duration `toml:"interval"`
	CycleTimeout Duration `toml:"cycle_timeout"`
}

type TomlDatabase struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// TidyInterval is how often serve tidies the database, zero disables it
	TidyInterval Duration `toml:"tidy_interval"`
	// StaleSeriesAfter is how long an unfollowed series watermark is kept without advancing
	StaleSeriesAfter Duration `toml:"stale_series_after"`
}

type TomlServer struct {
	Hostname string `toml:"hostname"`
	Port     int    `toml:"port"`
	// CacheExpiration is how long feed responses are cached, zero disables the cache
	CacheExpiration Duration `toml:"cache_expiration"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Source   TomlSource   `toml:"source"`
	Tracker  TomlTracker  `toml:"tracker"`
	Engine   TomlEngine   `toml:"engine"`
	Database TomlDatabase `toml:"database"`
	Server   TomlServer   `toml:"server"`
}

func Default() *TomlConfig {
	return &TomlConfig{
		Source: TomlSource{
			Timeout:   Duration{30 * time.Second},
			UserAgent: "tvfeed/1.0",
		},
		Tracker: TomlTracker{
			Timeout: Duration{20 * time.Second},
		},
		Engine: TomlEngine{
			Workers:      8,
			Interval:     Duration{15 * time.Minute},
			CycleTimeout: Duration{10 * time.Minute},
		},
		Database: TomlDatabase{
			Driver:           "sqlite",
			DSN:              "feed.db",
			TidyInterval:     Duration{24 * time.Hour},
			StaleSeriesAfter: Duration{180 * 24 * time.Hour},
		},
		Server: TomlServer{
			Hostname:        "localhost",
			Port:            3000,
			CacheExpiration: Duration{30 * time.Second},
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func (c *TomlConfig) Validate() error {
	var errs []error

	if c.Source.URI == "" {
		errs = append(errs, errors.New("source.uri is required"))
	} else if err := absoluteURL(c.Source.URI); err != nil {
		errs = append(errs, fmt.Errorf("source.uri: %w", err))
	}
	if c.Tracker.BaseURL == "" {
		errs = append(errs, errors.New("tracker.base_url is required"))
	} else if err := absoluteURL(c.Tracker.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("tracker.base_url: %w", err))
	}
	if c.Source.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("source.timeout must be positive"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, errors.New("engine.workers must be positive"))
	}
	if c.Engine.Interval.Duration <= 0 {
		errs = append(errs, errors.New("engine.interval must be positive"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Server.CacheExpiration.Duration < 0 {
		errs = append(errs, errors.New("server.cache_expiration must not be negative"))
	}

	return errors.Join(errs...)
}

func absoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute url", raw)
	}
	return nil
}
