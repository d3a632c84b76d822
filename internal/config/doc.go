/*
Package config provides layered configuration for the session daemon.

Sources are applied in increasing precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (SESSIOND_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             .env File                       │
	│   (never overrides variables already set)   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Configuration Structure

	global:
	  log_level: INFO          # DEBUG, INFO, WARN, ERROR
	  log_format: json         # json or text
	queue:
	  items_per_batch: 2
	  max_batches_per_pass: 10
	  shutdown_timeout: 10s
	cache:
	  compression_threshold: 1KiB
	  memory_limit: 512MiB     # empty means total system memory
	  high_pressure_threshold: 0.85
	  moderate_pressure_threshold: 0.70
	  pools:
	    - name: users
	      ttl: 30m
	      max_keys: 5000
	  prime:
	    users:
	      self: "me"
	session:
	  base_delay: 2s
	  growth_factor: 2
	  max_delay: 60s
	  max_attempts: 10
	  forbidden_ceiling: 3
	store:
	  dir: ./data/session
	  credentials_dir: ./data/credentials
	gateway:
	  kind: loopback
	monitoring:
	  enabled: true
	  addr: ":9464"

Sizes accept human-readable units such as "1KB" or "512MiB". The
*Options methods convert each section into the configuration type of the
package that consumes it; Validate rejects anything those packages would
silently replace with a default.
*/
package config
