// Package config models paperline.yml: service addresses, broker and storage
// settings, announcement timezone, and the rule file location.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models paperline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"storage"`
	Broker struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"broker"`
	Services struct {
		FileManager string `yaml:"filemanager"`
		Compiler    string `yaml:"compiler"`
		Classifier  string `yaml:"classifier"`
	} `yaml:"services"`
	Schedule struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"schedule"`
	Agent struct {
		RulesFile string `yaml:"rules_file"`
	} `yaml:"agent"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create it or run pl init", path)
	}
	return cfg, err
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return cfg, err
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config.storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paperline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0
  jwt_secret: ""

storage:
  driver: sqlite

broker:
  addr: ""
  channel: paperline.events

services:
  filemanager: http://localhost:8081
  compiler: http://localhost:8082
  classifier: http://localhost:8083

schedule:
  timezone: America/New_York

agent:
  rules_file: rules.yml
`
