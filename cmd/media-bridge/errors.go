package main

import (
	"errors"
	"fmt"
)

// Ingestion causes. All of them are recoverable: the event is dropped and
// the ingestion loop continues.
var (
	ErrUnrecognizedEvent = errors.New("unrecognized event")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrIgnoredEvent      = errors.New("ignored event")
)

// Adapter failure classes. Adapters wrap one of these so the dispatcher can
// tell a transient failure (retry) from a permanent one (fail now).
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnsupported        = errors.New("operation not supported")
)

// IngestionError describes a raw event the normalizer could not use.
type IngestionError struct {
	Type   string
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Err, e.Type, e.Reason)
}

func (e *IngestionError) Unwrap() error { return e.Err }

func unrecognized(typ, format string, args ...any) error {
	return &IngestionError{Type: typ, Reason: fmt.Sprintf(format, args...), Err: ErrUnrecognizedEvent}
}

func malformed(typ, format string, args ...any) error {
	return &IngestionError{Type: typ, Reason: fmt.Sprintf(format, args...), Err: ErrMalformedEvent}
}

func ignored(typ, format string, args ...any) error {
	return &IngestionError{Type: typ, Reason: fmt.Sprintf(format, args...), Err: ErrIgnoredEvent}
}

// DispatchErrorKind classifies why a command failed.
type DispatchErrorKind string

const (
	DispatchInvalidPayload     DispatchErrorKind = "invalid_payload"
	DispatchNoActiveSource     DispatchErrorKind = "no_active_source"
	DispatchBackendUnavailable DispatchErrorKind = "backend_unavailable"
	DispatchUnsupported        DispatchErrorKind = "unsupported"
)

// DispatchError is returned by Dispatcher.Execute. It is reported in the
// logs and never ends the process.
type DispatchError struct {
	Kind     DispatchErrorKind
	Command  CommandKind
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch %s: %s", e.Command, e.Kind)
	}
	return fmt.Sprintf("dispatch %s: %s: %v", e.Command, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchKind reports whether err is a DispatchError of the given kind.
func IsDispatchKind(err error, kind DispatchErrorKind) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == kind
}

// ConfigError is the only error class allowed to stop the process.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(key, format string, args ...any) error {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}
