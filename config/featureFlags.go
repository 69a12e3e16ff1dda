package config

import (
	"os"
	"strings"
)

func boolEnv(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// OutboxDispatcherEnabled controls whether this instance polls and publishes
// the outbox. Disable when a dedicated dispatcher job owns publishing.
//
// Set via env:
// - OUTBOX_DISPATCHER_ENABLED=false
func OutboxDispatcherEnabled() bool {
	return boolEnv("OUTBOX_DISPATCHER_ENABLED", true)
}

// SkipMigrations disables AutoMigrate on startup so DDL can run as a
// separate job instead of blocking request-serving revisions.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	return boolEnv("SKIP_MIGRATIONS", false)
}
