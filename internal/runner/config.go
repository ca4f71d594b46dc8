package runner

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the launch configuration written by the spawner into the agent's
// workspace. The nonce in here is the agent's only credential.
type Config struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`
	Nonce     string `json:"nonce"`
	HTTPPort  int    `json:"http_port"`
	Workspace string `json:"workspace"`
	BusHost   string `json:"bus_host,omitempty"`
	BusPort   int    `json:"bus_port,omitempty"`
}

// LoadConfig reads the spawner-written configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config %s: %w", path, err)
	}
	if cfg.AgentID == "" || cfg.Nonce == "" {
		return nil, fmt.Errorf("agent config %s is missing agent_id or nonce", path)
	}
	return &cfg, nil
}

// HasBus reports whether the spawner wired a bus endpoint in.
func (c *Config) HasBus() bool {
	return c.BusHost != "" && c.BusPort != 0
}
