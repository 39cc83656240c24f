// Package config handles configuration loading for the council server and CLI.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COUNCIL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/council/council.yaml
//  3. ~/.config/council/council.yaml
//
// Values may reference environment variables as ${VAR_NAME}:
//
//	model:
//	  api_key: "${GEMINI_API_KEY}"
//
// Durations use time.ParseDuration syntax:
//
//	orchestrator:
//	  step_delay: "1.2s"
//	  turn_timeout: "5m"
//
// # Agent Roster
//
// Agents are declared in a TOML file of [[agent]] tables, named by
// agents_file relative to the config file, or inline under agents.
// WatchRoster reloads the TOML file when it changes on disk.
//
//	[[agent]]
//	id = "analyst"
//	name = "Analyst"
//	description = "Breaks problems down"
//	instruction = "You are a careful analyst."
//	tools = ["remember", "recall"]
package config
