package mcpmgr

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPKind selects the HTTP flavor of a server. The legacy SSE kind is
// accepted for compatibility and treated exactly like the streamable kind.
type HTTPKind string

const (
	HTTPKindStreamable HTTPKind = "streamable"
	// HTTPKindSSE is deprecated. It is normalized to HTTPKindStreamable and a
	// warning is logged once per server name.
	HTTPKindSSE HTTPKind = "sse"
)

// BaseServerConfig captures settings shared by all transport types. Every
// field is plain data so configurations can be compared and serialized.
type BaseServerConfig struct {
	// Timeout bounds individual tool calls and resource reads. When zero the
	// manager's DefaultTimeout applies.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Disabled keeps the server registered but never connected.
	Disabled bool `json:"disabled,omitempty"`
	// LogJSONRPC enables console logging of this server's JSON-RPC traffic.
	LogJSONRPC bool `json:"logJsonRpc,omitempty"`
}

// StdioServerConfig describes an MCP server launched as a subprocess.
type StdioServerConfig struct {
	BaseServerConfig
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	// InheritEnv passes the full parent environment to the child instead of
	// just PATH.
	InheritEnv bool `json:"inheritEnv,omitempty"`
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over streamable HTTP.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint string            `json:"url"`
	Kind     HTTPKind          `json:"kind,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	// ConnectTimeout bounds the initialize handshake. Zero leaves the bound to
	// the transport itself.
	ConnectTimeout time.Duration `json:"connectTimeout,omitempty"`
	// MaxRetries is handed to the streamable transport for its own stream
	// resumption; it is unrelated to the manager's reconnect budget.
	MaxRetries int `json:"maxRetries,omitempty"`
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// InvalidServerConfig stands in for an entry that could not be resolved to a
// stdio or HTTP configuration. It is registered like any other server so the
// problem is visible in status, and every connect fails with a *ConfigError
// carrying Reason.
type InvalidServerConfig struct {
	BaseServerConfig
	Reason string `json:"reason"`
}

func (c *InvalidServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// TransportFactory builds the transport for a server. It replaces the
// built-in stdio/HTTP construction when set on ManagerOptions.
type TransportFactory func(serverID string, cfg ServerConfig) (mcp.Transport, error)

// ProbeKind selects the call used by the health monitor.
type ProbeKind string

const (
	// ProbeListTools lists tools over the live session. Its cost scales with
	// the size of the server's tool list.
	ProbeListTools ProbeKind = "list-tools"
	// ProbePing issues the protocol-level ping.
	ProbePing ProbeKind = "ping"
)

// HealthOptions configures periodic probing of connected servers.
type HealthOptions struct {
	Disabled bool
	// Interval between probes. Defaults to 10s.
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to 5s.
	Timeout time.Duration
	// FailuresBeforeDisconnect is the number of consecutive failed probes
	// that is treated as a disconnection. Defaults to 3.
	FailuresBeforeDisconnect int
	// Probe defaults to ProbeListTools.
	Probe ProbeKind
}

// ReconnectOptions configures exponential backoff between reconnection
// attempts.
type ReconnectOptions struct {
	// MaxAttempts is the reconnect budget. Defaults to 5.
	MaxAttempts int
	// InitialDelay defaults to 2s.
	InitialDelay time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// MaxDelay caps a single delay. Zero leaves growth uncapped.
	MaxDelay time.Duration
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, the server ID is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// DefaultClientOptions are passed to every client the manager creates.
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC toggles console logging of JSON-RPC traffic for all
	// servers unless overridden per server.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Logger receives structured lifecycle diagnostics.
	Logger *slog.Logger

	Health    HealthOptions
	Reconnect ReconnectOptions

	// TransportFactory overrides transport construction.
	TransportFactory TransportFactory
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		o = &ManagerOptions{}
	}
	opts := *o
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Health.Interval <= 0 {
		opts.Health.Interval = 10 * time.Second
	}
	if opts.Health.Timeout <= 0 {
		opts.Health.Timeout = 5 * time.Second
	}
	if opts.Health.FailuresBeforeDisconnect <= 0 {
		opts.Health.FailuresBeforeDisconnect = 3
	}
	if opts.Health.Probe == "" {
		opts.Health.Probe = ProbeListTools
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect.MaxAttempts = 5
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect.InitialDelay = 2 * time.Second
	}
	if opts.Reconnect.Multiplier < 1 {
		opts.Reconnect.Multiplier = 2
	}
	return opts
}
