// Package config loads the backend agent's settings: a small JSON file
// on disk holding just what an agent needs to know before it can dial a
// server and register.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	ServerHost        string        `json:"server_host"`
	ServerPort        int           `json:"server_port"`
	APIKey            string        `json:"api_key"`
	ReconnectInterval time.Duration `json:"-"`
	ReconnectMillis   int64         `json:"reconnect_interval_ms,omitempty"`
}

func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(contents, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ReconnectMillis > 0 {
		cfg.ReconnectInterval = time.Duration(cfg.ReconnectMillis) * time.Millisecond
	}
	return cfg, nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bifrost-agent.json"
	}
	return filepath.Join(home, ".bifrost", "agent.json")
}

func Save(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerHost) == "" {
		return fmt.Errorf("server_host required")
	}
	if c.ServerPort == 0 {
		return fmt.Errorf("server_port required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("api_key required")
	}
	return nil
}
