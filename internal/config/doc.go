// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, for files ending in .toml)
// with environment variable expansion. Defaults are applied before
// validation, so a minimal file only needs the database path and JWT secret.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"       # WebSocket + HTTP API
//	  grpc_addr: "127.0.0.1:50051"    # optional grpc.health.v1 endpoint
//	  cors_origins: ["http://localhost:3000"]
//
//	database:
//	  path: "/var/lib/coven/relay.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  token_ttl: "30m"
//
//	agent:
//	  cli_path: "opencode"
//	  timeout: "120s"
//	  health_interval: "30s"
//
//	tasks:
//	  workers: 4
//	  queue_size: 256
//	  max_retries: 3
//	  retry_delay: "60s"
//	  time_limit: "0s"                # 0 disables the whole-task limit
//	  max_tasks_per_worker: 50
//
//	websocket:
//	  max_connections: 1000
//	  max_message_bytes: 65536
//	  heartbeat_interval: "30s"
//
//	sessions:
//	  verify_ownership: true
//
//	delivery:
//	  mode: "broadcast"               # broadcast, submitter
//	  render_markdown: false
//
//	logging:
//	  level: "info"                   # debug, info, warn, error
//	  format: "text"                  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
