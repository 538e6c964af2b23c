package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"SQUADLIVE_PORT"`
	Host           string   `yaml:"host" env:"SQUADLIVE_HOST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SQUADLIVE_ALLOWED_ORIGINS" envSeparator:","`
}

type AuthConfig struct {
	Secret   string `yaml:"secret" env:"SQUADLIVE_AUTH_SECRET"`
	Issuer   string `yaml:"issuer" env:"SQUADLIVE_AUTH_ISSUER"`
	Audience string `yaml:"audience" env:"SQUADLIVE_AUTH_AUDIENCE"`
}

type EngineConfig struct {
	SendBuffer            int           `yaml:"send_buffer" env:"SQUADLIVE_SEND_BUFFER"`
	OperationGraceWindow  time.Duration `yaml:"operation_grace_window" env:"SQUADLIVE_OPERATION_GRACE_WINDOW"`
	StalePlayerTimeout    time.Duration `yaml:"stale_player_timeout" env:"SQUADLIVE_STALE_PLAYER_TIMEOUT"`
	StaleSweepInterval    time.Duration `yaml:"stale_sweep_interval" env:"SQUADLIVE_STALE_SWEEP_INTERVAL"`
	AggregatePushInterval time.Duration `yaml:"aggregate_push_interval" env:"SQUADLIVE_AGGREGATE_PUSH_INTERVAL"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path" env:"SQUADLIVE_SNAPSHOT_PATH"`
	Interval time.Duration `yaml:"interval" env:"SQUADLIVE_SNAPSHOT_INTERVAL"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Engine: EngineConfig{
			SendBuffer:           64,
			OperationGraceWindow: 30 * time.Second,
			StalePlayerTimeout:   90 * time.Second,
			StaleSweepInterval:   15 * time.Second,
			// Aggregate push stays disabled unless configured.
			AggregatePushInterval: 0,
		},
		Snapshot: SnapshotConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load reads the YAML config at path on top of the defaults, then applies
// environment variable overrides. A missing file is not an error; env-only
// configuration is supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing env overrides: %w", err)
	}

	return cfg, nil
}
