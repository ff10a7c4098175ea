package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Builtin returns the catalog of agents known to speak ACP over stdio.
func Builtin() []AgentConfig {
	return []AgentConfig{
		{
			ID:          "claude-code",
			Name:        "Claude Code",
			Binary:      "claude-code-acp",
			Description: "Claude Code through the claude-code-acp adapter",
		},
		{
			ID:          "codex-cli",
			Name:        "Codex CLI",
			Binary:      "codex",
			Description: "OpenAI Codex CLI",
		},
		{
			ID:          "gemini",
			Name:        "Gemini CLI",
			Binary:      "gemini",
			Args:        []string{"--experimental-acp"},
			Description: "Google Gemini CLI in ACP mode",
			SlowStart:   true,
		},
		{
			ID:          "opencode",
			Name:        "OpenCode",
			Binary:      "opencode",
			Args:        []string{"acp"},
			Description: "OpenCode in ACP mode",
		},
		{
			ID:          "goose",
			Name:        "Goose",
			Binary:      "goose",
			Args:        []string{"acp"},
			Description: "Block Goose in ACP mode",
		},
		{
			ID:          "qwen-code",
			Name:        "Qwen Code",
			Binary:      "qwen",
			Args:        []string{"--experimental-acp"},
			Description: "Qwen Code CLI in ACP mode",
		},
		{
			ID:          "auggie",
			Name:        "Auggie",
			Binary:      "auggie",
			Args:        []string{"--acp"},
			Description: "Augment Code CLI in ACP mode",
		},
	}
}

// catalogFile is the on-disk shape of a user agent catalog.
type catalogFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// LoadCatalog reads user-defined agents from a YAML file of the form
//
//	agents:
//	  - id: my-agent
//	    name: My Agent
//	    binary: my-agent
//	    args: [--acp]
//	    env: {MY_AGENT_TOKEN: "..."}
func LoadCatalog(path string) ([]AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog %s: %w", path, err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agent catalog %s: %w", path, err)
	}

	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent catalog %s: entry %d has no id", path, i)
		}
		if a.Binary == "" {
			return nil, fmt.Errorf("agent catalog %s: agent %q has no binary", path, a.ID)
		}
		if a.Name == "" {
			f.Agents[i].Name = a.ID
		}
	}
	return f.Agents, nil
}
