// Package config loads the runtime's process-wide configuration.
//
// # Overview
//
// Configuration is a YAML file with environment variable expansion:
// ${VAR_NAME} references are replaced with environment values before
// parsing. Duration fields are written as strings ("30s", "5m") and parsed
// into time.Duration values at load time.
//
// Gateway credentials live in a separate TOML file so the main config can
// be committed without secrets.
//
// # Example
//
//	gateway:
//	  url: wss://gateway.example.com/runtime
//	  credentials_path: ${HOME}/.config/coven/credentials.toml
//	runtime:
//	  space_id: s1
//	  name: workshop-box
//	  workspace_base: /var/lib/coven/agents
//	  heartbeat_interval: 30s
//	  idle_timeout: 45m
//	engine:
//	  kind: subprocess
//	  command: coven-engine
//	database:
//	  path: /var/lib/coven/usage.db
//	logging:
//	  level: info
//	  format: text
//
// The loaded Config is immutable for the process lifetime and passed
// explicitly into constructors.
package config
