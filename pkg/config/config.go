// Package config loads the configuration of rsh.
//
// Configuration comes from three layers, each overriding the previous one:
// a YAML or TOML file, environment variables prefixed with RSH_, and
// command-line flags, which are applied by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration.
type Config struct {
	// Commands lists the directories commands and lifecycle scripts are
	// loaded from. Each directory has a commands and a lifecycle
	// subdirectory.
	Commands []string `yaml:"commands" toml:"commands" envconfig:"COMMANDS"`
	// Watch enables reloading commands when their files change.
	Watch bool `yaml:"watch" toml:"watch" envconfig:"WATCH"`
	// DB is the path of a bbolt database holding additional resources.
	DB string `yaml:"db" toml:"db" envconfig:"DB"`
	// Workers limits the number of processes running at the same time.
	Workers int64 `yaml:"workers" toml:"workers" envconfig:"WORKERS"`

	Log      string `yaml:"log" toml:"log" envconfig:"LOG"`
	LogLevel string `yaml:"log_level" toml:"log_level" envconfig:"LOG_LEVEL"`

	Server ServerConfig `yaml:"server" toml:"server" envconfig:"SERVER"`
}

// ServerConfig configures the remote server.
type ServerConfig struct {
	// Listen is the address of the HTTP server.
	Listen string `yaml:"listen" toml:"listen" envconfig:"LISTEN"`
	// Sock is the path of the JSON-RPC unix socket. Empty disables it.
	Sock string `yaml:"sock" toml:"sock" envconfig:"SOCK"`
	// RateLimit is the number of requests per second a connection may
	// submit, and RateBurst the size of bursts allowed above it.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst" envconfig:"RATE_BURST"`
	// IdleTimeout closes connections without input for this long. Zero
	// disables it.
	IdleTimeout Duration `yaml:"idle_timeout" toml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
}

// Duration is a time.Duration written like "1m30s" in configuration files.
type Duration time.Duration

// UnmarshalText parses a duration. It is used by TOML and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML parses a duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:    "127.0.0.1:7060",
			RateLimit: 10,
			RateBurst: 20,
		},
	}
}

// Load returns the default configuration, overlaid with the file at path if
// path is not empty, and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := envconfig.Process("RSH", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	return cfg, nil
}

func overlayFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("config file %q: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}
