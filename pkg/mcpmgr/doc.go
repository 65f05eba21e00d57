// Package mcpmgr supervises a dynamic set of Model Context Protocol (MCP)
// server connections from a single Go process. It layers declarative
// reconciliation, health probing, exponential-backoff reconnection, and an
// aggregated capability snapshot on top of the modelcontextprotocol/go-sdk
// client.
//
// # Core entry points
//
//   - Manager is the long-lived supervisor. Construct it with NewManager,
//     call Start, and drive the desired server set through Reconcile. Stop
//     tears every connection down.
//   - ServerConfig (StdioServerConfig or HTTPServerConfig) declares how a
//     server is launched or contacted. ConfigEqual decides whether a
//     reconcile pass leaves a connection alone or replaces it.
//   - ManagerOptions sets client identifiers, call timeouts, health probing
//     (HealthOptions), and the reconnect budget (ReconnectOptions).
//
// Each server is owned by a single worker goroutine, so its connect, probe,
// disconnect, and reconnect transitions never interleave. Events that arrive
// for an older connection generation are dropped.
//
// Consumers read state through Servers, Capabilities, and Snapshot, or
// subscribe with OnSnapshot. CallTool and ReadResource forward requests to a
// connected server and report failures with typed errors (ConnectionError,
// TimeoutError, ProtocolError, DisabledServerError, UnknownServerError) that
// callers inspect with errors.As.
//
// Use the helper guards and narrowers (IsStdio/IsHTTP and AsStdio/AsHTTP) or
// TransportOf to branch on the concrete transport type.
package mcpmgr
