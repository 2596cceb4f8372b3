package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// Config is loaded from a yaml file with env overlay on top (cleanenv).
// Lookup order: explicit path argument, CONFIG_PATH env var, ./agent.yaml,
// pure env.
type Config struct {
	CloudURL       string `yaml:"cloud_url" env:"CLOUD_URL" env-default:"https://api.junctionrelay.com"`
	DBPath         string `yaml:"db_path" env:"DB_PATH" env-default:"./agent.db"`
	CredentialFile string `yaml:"credential_file" env:"CREDENTIAL_FILE"`
	StatusAddr     string `yaml:"status_addr" env:"STATUS_ADDR"`
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	// Accelerated switches every margin and interval to the short test
	// profile so a full refresh+rotate cycle is observable in minutes.
	Accelerated bool `yaml:"accelerated" env:"ACCELERATED" env-default:"false"`
}

// Timing holds every deadline the token manager and the agent loops work
// with. Exactly one profile is active; values are never mutated at runtime.
type Timing struct {
	RefreshMargin   time.Duration // refresh when access token expires within this
	RefreshInterval time.Duration // periodic refresh even far from expiry
	RotationMargin  time.Duration // rotate when the rotation token expires within this
	ReportInterval  time.Duration
	CheckInterval   time.Duration // background deadline check cadence
	HTTPTimeout     time.Duration

	// OverrideLifetimes replaces server-issued expiries with the TTLs below.
	// Only the accelerated profile sets it; in production the server-provided
	// expiry is authoritative.
	OverrideLifetimes bool
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
}

func productionTiming() Timing {
	return Timing{
		RefreshMargin:   5 * time.Minute,
		RefreshInterval: time.Hour,
		RotationMargin:  24 * time.Hour,
		ReportInterval:  time.Minute,
		CheckInterval:   30 * time.Second,
		HTTPTimeout:     30 * time.Second,
	}
}

func acceleratedTiming() Timing {
	return Timing{
		RefreshMargin:     5 * time.Minute,
		RefreshInterval:   5 * time.Minute,
		RotationMargin:    time.Minute,
		ReportInterval:    10 * time.Second,
		CheckInterval:     time.Second,
		HTTPTimeout:       30 * time.Second,
		OverrideLifetimes: true,
		AccessTokenTTL:    6 * time.Minute,
		RefreshTokenTTL:   18 * time.Minute,
	}
}

// Timing returns the active profile.
func (c *Config) Timing() Timing {
	if c.Accelerated {
		return acceleratedTiming()
	}
	return productionTiming()
}

// MustLoad is Load with panic on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the config. An empty path falls back to CONFIG_PATH, then to
// ./agent.yaml, then to environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("agent.yaml"); err == nil {
			path = "agent.yaml"
		}
	}

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "reading config %q", path)
		}
		// env wins over the file
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, errors.Wrap(err, "overlaying env")
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "reading env config")
	}
	return &cfg, nil
}
