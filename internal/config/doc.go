// Package config handles configuration loading for jobagent.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. The file extension selects the decoder (".toml" for TOML,
// anything else for YAML). Defaults are applied before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with the --config (-c) flag
//  2. Path from JOBAGENT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/jobagent/agent.yaml
//  4. ~/.config/jobagent/agent.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	device:
//	  thing_name: "${JOBAGENT_THING_NAME}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Device identity:
//
//	device:
//	  thing_name: "edge-0001"
//
// Broker (mutual TLS):
//
//	broker:
//	  endpoint: "abc123-ats.iot.ap-northeast-1.amazonaws.com"
//	  port: 8883
//	  ca_file: "/etc/jobagent/AmazonRootCA1.pem"
//	  cert_file: "/etc/jobagent/device.pem.crt"
//	  key_file: "/etc/jobagent/private.pem.key"
//	  keep_alive: "6s"
//	  clean_session: false
//
// Connection retry:
//
//	connect:
//	  max_attempts: 5
//	  min_delay: "1s"
//	  max_delay: "5s"
//
// Job protocol timing:
//
//	jobs:
//	  request_timeout: "30s"   # "0s" waits forever
//	  recent_ttl: "10m"        # skip re-running jobs the drain just finished
//	  shutdown_grace: "30s"
//
// Action handlers:
//
//	actions:
//	  reboot:
//	    command: ["systemctl", "reboot"]
//	  app_restart:
//	    command: ["systemctl", "restart", "edge-app"]
//
// Journal, health and logging:
//
//	journal:
//	  path: "/var/lib/jobagent/journal.db"
//	health:
//	  addr: "127.0.0.1:50061"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
