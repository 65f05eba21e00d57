package mcpmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by operations that require Start to have run.
	ErrNotStarted = errors.New("mcpmgr: manager not started")
	// ErrManagerStopped is returned once Stop has been called.
	ErrManagerStopped = errors.New("mcpmgr: manager stopped")
)

// ConfigError reports a malformed or incomplete server configuration.
type ConfigError struct {
	Server string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcpmgr: invalid config for %q: %s: %v", e.Server, e.Reason, e.Err)
	}
	return fmt.Sprintf("mcpmgr: invalid config for %q: %s", e.Server, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a handshake or transport failure.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mcpmgr: server %q not connected", e.Server)
	}
	return fmt.Sprintf("mcpmgr: connection to %q failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a probe or call that exceeded its bound.
type TimeoutError struct {
	Server string
	Op     string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcpmgr: %s on %q timed out: %v", e.Op, e.Server, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError reports a structurally malformed result from a server.
type ProtocolError struct {
	Server string
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcpmgr: malformed %s result from %q: %s", e.Op, e.Server, e.Reason)
}

// DisabledServerError is returned for calls against a disabled server.
type DisabledServerError struct {
	Server string
}

func (e *DisabledServerError) Error() string {
	return fmt.Sprintf("mcpmgr: server %q is disabled", e.Server)
}

// UnknownServerError is returned for calls against a name with no connection.
type UnknownServerError struct {
	Server string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("mcpmgr: unknown server %q", e.Server)
}
