// ABOUTME: Well-known config and data locations following the XDG base directory layout
// ABOUTME: Also provides the sample config written by `council init`

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath returns the path to the council config file.
// Priority: COUNCIL_CONFIG env var > XDG_CONFIG_HOME/council/council.yaml > ~/.config/council/council.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COUNCIL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "council.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "council", "council.yaml")
}

// DataPath returns the council data directory.
// Priority: XDG_DATA_HOME/council > ~/.local/share/council
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "council")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Sample returns a commented starter config.
func Sample() string {
	return `# council configuration
server:
  http_addr: "127.0.0.1:8090"
  grpc_addr: "127.0.0.1:50061"

database:
  path: "~/.local/share/council/council.db"

logging:
  level: info      # debug, info, warn, error
  format: text     # text or json

model:
  api_key: "${GEMINI_API_KEY}"
  default_model: gemini-2.5-flash
  requests_per_minute: 60
  burst: 5

moderator:
  api_key: ""      # defaults to model.api_key
  model: ""
  instruction: ""

orchestrator:
  step_delay: "1.2s"
  max_discussion_turns: 5
  summary_threshold: 250
  turn_timeout: "5m"

agents_file: "agents.toml"
`
}

// SampleRoster returns a starter roster file.
func SampleRoster() string {
	return `# council agents
[[agent]]
id = "analyst"
name = "Analyst"
description = "Breaks problems down and weighs trade-offs"
instruction = "You are a careful analyst. Be concise and concrete."
tools = ["get_message_content", "remember", "recall"]

[[agent]]
id = "critic"
name = "Critic"
description = "Finds holes in proposals"
instruction = "You are a constructive critic. Point out risks and gaps."
tools = ["get_message_content"]
`
}
