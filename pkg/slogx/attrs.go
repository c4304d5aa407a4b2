package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	// KeyLoggerName is the key for the logger name attribute.
	KeyLoggerName = "logger"
	// KeyCapability is the key under which capability names are logged.
	KeyCapability = "capability"
	// KeyCorrelationID is the key under which request correlation ids are logged.
	KeyCorrelationID = "correlation_id"
)

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Capability returns the attribute identifying a capability.
func Capability(name string) slog.Attr {
	return slog.String(KeyCapability, name)
}

// CorrelationID returns the attribute identifying a single invocation.
func CorrelationID(id string) slog.Attr {
	return slog.String(KeyCorrelationID, id)
}
