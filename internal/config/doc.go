// Package config handles configuration loading for messaging-gateway.
//
// Configuration is loaded from a YAML file with environment variable
// expansion. The package validates required fields and fills defaults for
// optional messaging settings.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${JOBGRID_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	messaging:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "60s"
//	  dedupe_ttl: "5m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket and API
//
// Database:
//
//	database:
//	  path: "/var/lib/jobgrid/messaging.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${JOBGRID_JWT_SECRET}"
//
// Delivery tuning:
//
//	messaging:
//	  max_body_bytes: 8192
//	  queue_size: 256
//	  replay_limit: 500
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "60s"
//	  dedupe_ttl: "5m"
//	  dedupe_size: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
