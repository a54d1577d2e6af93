package config

import (
	"os"
	"strings"
)

// OutboxDispatcherEnabled gates the background publisher for NC lifecycle events.
// Disable on ops jobs / migration runs that share the binary.
//
// Set via env:
// - OUTBOX_DISPATCHER_ENABLED=true (default true)
func OutboxDispatcherEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// EffectiveStructureCacheEnabled gates the redis cache in front of the
// template+overlay merge. Safe to disable; reads fall through to MySQL.
//
// Set via env:
// - EFFECTIVE_STRUCTURE_CACHE=true
func EffectiveStructureCacheEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("EFFECTIVE_STRUCTURE_CACHE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
