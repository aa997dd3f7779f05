package relay

import (
	"errors"
	"fmt"
)

// ErrUnknownPlugin is returned when a config names an unregistered type.
var ErrUnknownPlugin = errors.New("unknown plugin type")

// ConfigurationError reports a plugin that could not be constructed from
// its configuration.
type ConfigurationError struct {
	Plugin string // plugin type or instance name
	Field  string // offending field, when known
	Err    error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("configuration error in %s.%s: %v", e.Plugin, e.Field, e.Err)
	case e.Plugin != "":
		return fmt.Sprintf("configuration error in %s: %v", e.Plugin, e.Err)
	}
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigurationError for a field of the given plugin.
func ConfigErrorf(plugin, field, format string, args ...any) error {
	return &ConfigurationError{Plugin: plugin, Field: field, Err: fmt.Errorf(format, args...)}
}
