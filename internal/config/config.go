package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration. Values in the YAML file may
// reference environment variables with ${VAR} syntax.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Snapshots struct {
		// Autosave is a cron schedule for periodic snapshot persistence.
		// Empty disables the job.
		Autosave string `yaml:"autosave"`
	} `yaml:"snapshots"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with environment variable
// expansion.
func LoadFromBytes(data []byte) (Config, error) {
	c := defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return c, fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return c, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return defaults()
}

func defaults() Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 52342
	c.Database.Path = "./data/flipper.db"
	c.Snapshots.Autosave = "@every 30s"
	c.Log.Level = "info"
	return c
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
