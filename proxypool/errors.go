package manager

import (
	"errors"
	"fmt"
)

// ErrNoProxyAvailable is the typed empty result of AcquireProxy: no
// healthy candidate matches the constraints right now. Callers should
// back off and retry; this is not a failure of the engine.
var ErrNoProxyAvailable = errors.New("no proxy available")

// ErrNotRunning is returned by pool operations invoked outside the
// Running state.
var ErrNotRunning = errors.New("pool manager is not running")

// ConfigError reports an invalid engine configuration. It only surfaces
// from Start; all runtime failures are absorbed into state updates.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
