package spawn

import (
	"path/filepath"

	"github.com/hivedev/hive/internal/common/errors"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Plugin builds the type-specific launch configuration for one agent type.
// The spawner never inspects the payload it returns; the payload travels
// opaque from here to the agent process.
type Plugin interface {
	AgentType() string

	// BuildConfig produces the configuration payload written to the agent's
	// workspace before launch. Cross-cutting fields (identity, nonce, port,
	// bus) are appended by the spawner afterwards.
	BuildConfig(req *Request, agent *v1.Agent) (map[string]any, error)

	// Command resolves the launch command for an image. configPath is the
	// absolute path of the written configuration file.
	Command(image *v1.AgentImage, configPath string) ([]string, error)
}

// Plugins maps agent type name to implementation. Supplied by the caller at
// kernel construction; the spawner dispatches through it instead of a
// hardcoded type switch.
type Plugins map[string]Plugin

// Lookup returns the plugin for an agent type.
func (p Plugins) Lookup(agentType string) (Plugin, error) {
	plugin, exists := p[agentType]
	if !exists {
		return nil, errors.NotFound("agent type", agentType)
	}
	return plugin, nil
}

// RunnerPlugin is the default plugin: it launches the bundled agent-runner
// binary with the image directory on its module path.
type RunnerPlugin struct {
	// Binary is the agent-runner executable path.
	Binary string
}

// AgentType implements Plugin.
func (p *RunnerPlugin) AgentType() string { return "runner" }

// BuildConfig implements Plugin.
func (p *RunnerPlugin) BuildConfig(req *Request, agent *v1.Agent) (map[string]any, error) {
	cfg := map[string]any{
		"agent_name": agent.Name,
		"agent_type": agent.AgentType,
	}
	for k, v := range req.SpawnInfo {
		cfg[k] = v
	}
	return cfg, nil
}

// Command implements Plugin.
func (p *RunnerPlugin) Command(image *v1.AgentImage, configPath string) ([]string, error) {
	if p.Binary == "" {
		return nil, errors.BadRequest("runner plugin has no binary configured")
	}
	cmd := []string{p.Binary, "--config", configPath}
	if filepath.IsAbs(image.Path) {
		cmd = append(cmd, "--image-dir", image.Path)
	}
	return cmd, nil
}
