package cellflow

import "fmt"

// ConfigError is returned when a run is misconfigured.  It is always detected before
// any data is read or written.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Reason)
}

// NewConfigError returns a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
