package mcpmgr

import (
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionStatus represents the externally visible lifecycle of a server.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// LifecycleStatus is the internal connection status. It extends
// ConnectionStatus with the terminal failed state.
type LifecycleStatus string

const (
	LifecycleConnecting   LifecycleStatus = "connecting"
	LifecycleConnected    LifecycleStatus = "connected"
	LifecycleDisconnected LifecycleStatus = "disconnected"
	LifecycleFailed       LifecycleStatus = "failed"
)

func (s LifecycleStatus) visible() ConnectionStatus {
	switch s {
	case LifecycleConnecting:
		return StatusConnecting
	case LifecycleConnected:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// CapabilitySet is a read-only snapshot of what a server exposes. It is
// replaced wholesale on every successful connect.
type CapabilitySet struct {
	Tools             []*mcp.Tool
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
}

func emptyCapabilities() CapabilitySet {
	return CapabilitySet{
		Tools:             []*mcp.Tool{},
		Resources:         []*mcp.Resource{},
		ResourceTemplates: []*mcp.ResourceTemplate{},
	}
}

// Server is the externally visible record for a managed connection.
type Server struct {
	Name   string
	Status ConnectionStatus
	// Config is a serialized snapshot of the configuration in effect.
	Config string
	// Error accumulates failure descriptions, one per line, until the next
	// successful connect clears it.
	Error    string
	Disabled bool

	Tools             []*mcp.Tool
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
}

func (s *Server) appendError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if s.Error == "" {
		s.Error = msg
		return
	}
	s.Error += "\n" + msg
}

func (s Server) capabilities() CapabilitySet {
	return CapabilitySet{Tools: s.Tools, Resources: s.Resources, ResourceTemplates: s.ResourceTemplates}
}

// ConnectionState is a read-only copy of a connection's lifecycle metadata.
type ConnectionState struct {
	Status                  LifecycleStatus
	ReconnectAttempts       int
	ConsecutivePingFailures int
	LastConnected           time.Time
	LastError               string
	// Generation increments on every connect attempt; events from older
	// generations are discarded.
	Generation     uint64
	ConnectionID   string
	PingArmed      bool
	ReconnectArmed bool
}

// timer is the subset of *time.Timer the lifecycle code relies on.
type timer interface {
	Stop() bool
}

// afterFunc arms a single-shot timer. Tests substitute it to observe and
// drive delays deterministically.
type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// connectionState holds the mutable lifecycle data owned by a worker.
type connectionState struct {
	status                  LifecycleStatus
	reconnectAttempts       int
	consecutivePingFailures int
	lastConnected           time.Time
	lastError               string
	generation              uint64
	connectionID            string

	pingTimer      timer
	reconnectTimer timer
}

func (s *connectionState) stopPing() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}

func (s *connectionState) stopReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *connectionState) stopTimers() {
	s.stopPing()
	s.stopReconnect()
}

func (s *connectionState) snapshot() ConnectionState {
	return ConnectionState{
		Status:                  s.status,
		ReconnectAttempts:       s.reconnectAttempts,
		ConsecutivePingFailures: s.consecutivePingFailures,
		LastConnected:           s.lastConnected,
		LastError:               s.lastError,
		Generation:              s.generation,
		ConnectionID:            s.connectionID,
		PingArmed:               s.pingTimer != nil,
		ReconnectArmed:          s.reconnectTimer != nil,
	}
}
