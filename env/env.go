// Package env provides lookups for the process environment variables that
// configure the runtime patches.
package env

import (
	"os"
	"strings"
)

// Environment variables read by this module.
const (
	// RuntimeFixMode selects the execution context acquisition strategy:
	// "disabled", "always-isolated" or "enable-disable".
	RuntimeFixMode = "REBROWSER_PATCHES_RUNTIME_FIX_MODE"

	// UtilityWorldName overrides the name used for isolated utility worlds.
	UtilityWorldName = "REBROWSER_PATCHES_UTILITY_WORLD_NAME"

	// Debug enables verbose protocol diagnostics.
	Debug = "REBROWSER_PATCHES_DEBUG"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ConstLookup returns a LookupFunc that answers only for the given key.
// Used in tests.
func ConstLookup(key, value string) LookupFunc {
	return func(k string) (string, bool) {
		if k == key {
			return value, true
		}
		return "", false
	}
}

// EmptyLookup is a LookupFunc that finds nothing.
func EmptyLookup(_ string) (string, bool) { return "", false }

// IsDebug returns true if verbose diagnostics were requested.
func IsDebug(envLookup LookupFunc) bool {
	v, ok := envLookup(Debug)
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "", "0", "false", "no":
		return false
	}
	return true
}
