package common

import (
	"fmt"

	"github.com/rebrowser/rebrowser-puppeteer-core/env"
)

// AcquireMode selects the strategy used to obtain an execution context id
// when it cannot be learned from the default event flow.
type AcquireMode string

const (
	// AcquireModeDisabled never acquires: the context is expected to
	// receive its id through the default context-created notifications.
	AcquireModeDisabled AcquireMode = "disabled"
	// AcquireModeAlwaysIsolated creates an isolated world for the
	// context's frame and adopts its id. Not usable for workers.
	AcquireModeAlwaysIsolated AcquireMode = "always-isolated"
	// AcquireModeEnableDisable toggles the runtime domain on and off,
	// adopting the id from the context-created events replayed in
	// between. The toggle bounds the window during which page script can
	// observe the runtime domain being active.
	AcquireModeEnableDisable AcquireMode = "enable-disable"
)

// DefaultUtilityWorldName is the name used for isolated utility worlds
// unless overridden through the environment.
const DefaultUtilityWorldName = "util"

func (m AcquireMode) valid() bool {
	switch m {
	case AcquireModeDisabled, AcquireModeAlwaysIsolated, AcquireModeEnableDisable:
		return true
	}
	return false
}

// AcquireModeFromEnv reads the acquisition mode once from the
// environment. An unset or empty variable means AcquireModeAlwaysIsolated.
func AcquireModeFromEnv(envLookup env.LookupFunc) (AcquireMode, error) {
	v, ok := envLookup(env.RuntimeFixMode)
	if !ok || v == "" {
		return AcquireModeAlwaysIsolated, nil
	}
	m := AcquireMode(v)
	if !m.valid() {
		return "", fmt.Errorf("invalid %s value %q", env.RuntimeFixMode, v)
	}
	return m, nil
}

// UtilityWorldNameFromEnv returns the utility world name, honoring the
// environment override.
func UtilityWorldNameFromEnv(envLookup env.LookupFunc) string {
	if v, ok := envLookup(env.UtilityWorldName); ok && v != "" {
		return v
	}
	return DefaultUtilityWorldName
}

// ExecutionContextOptions are the collaborators and configuration an
// execution context is constructed with.
type ExecutionContextOptions struct {
	// Mode is the context id acquisition strategy. Empty means
	// AcquireModeAlwaysIsolated.
	Mode AcquireMode

	// ScriptCache supplies the in-page utility bundle. May be nil when
	// the utility handle is never used.
	ScriptCache ScriptCache

	// QueryEngine backs the built-in query-selector bindings. May be nil.
	QueryEngine QueryEngine
}
