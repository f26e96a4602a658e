// Package config loads the extension host configuration from environment
// variables, applying defaults for every setting.
//
// # Configuration Structure
//
// Ops server settings:
//
//	PLEXUS_HOST="0.0.0.0"
//	PLEXUS_HEALTH_PORT="9090"
//	PLEXUS_SHUTDOWN_TIMEOUT="30s"
//
// Registry settings:
//
//	PLEXUS_REGISTRY_DRIVER="sqlite3"  # memory, sqlite3, postgres
//	PLEXUS_REGISTRY_DSN="file:plexus.db?_foreign_keys=on"
//	PLEXUS_REGISTRY_MAX_CONNS="10"
//
// Event bus settings:
//
//	PLEXUS_EVENTS_BACKEND="redis"  # memory, redis
//	PLEXUS_REDIS_URL="redis://localhost:6379/0"
//	PLEXUS_EVENTS_CHANNEL_PREFIX="plexus.events."
//
// Security settings:
//
//	PLEXUS_MAX_MEMORY_MB="8192"
//	PLEXUS_MAX_CPU_PERCENT="100"
//	PLEXUS_MAX_FILE_SIZE_MB="1024"
//	PLEXUS_TRUSTED_CAS="DigiCert,GlobalSign"
//	PLEXUS_VULNERABILITY_DB="/etc/plexus/vulnerabilities.yaml"
//
// Runtime and observability settings:
//
//	PLEXUS_MANIFEST_ROOT="/var/lib/plexus/extensions"
//	PLEXUS_HANDLER_TIMEOUT="5s"
//	PLEXUS_HEALTH_SCHEDULE="@every 30s"
//	PLEXUS_LOG_LEVEL="info"  # debug, info, warn, error
//	PLEXUS_LOG_FORMAT="text"  # text, json
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	opts, err := cfg.SecurityOptions()
package config
