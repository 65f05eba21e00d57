package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CallTool invokes a tool on a connected server, bounded by the server's
// configured timeout or the manager default.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args any) (*mcp.CallToolResult, error) {
	return m.CallToolWithParams(ctx, serverID, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

// CallToolWithParams is CallTool with caller-supplied params, allowing
// metadata such as progress tokens to pass through.
func (m *Manager) CallToolWithParams(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if params == nil || params.Name == "" {
		return nil, fmt.Errorf("mcpmgr: tool name is required for %q", serverID)
	}
	session, timeout, err := m.liveSession(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	if err != nil {
		return nil, m.callError(ctx, serverID, "tools/call", err)
	}
	if err := checkToolResult(serverID, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadResource reads a resource by URI from a connected server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	if uri == "" {
		return nil, fmt.Errorf("mcpmgr: resource uri is required for %q", serverID)
	}
	session, timeout, err := m.liveSession(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, m.callError(ctx, serverID, "resources/read", err)
	}
	if err := checkResourceResult(serverID, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RestartConnection reconnects a server immediately, bypassing any pending
// backoff. Counters are reset and a failed connection is re-armed. The
// returned error is the outcome of the connect attempt.
func (m *Manager) RestartConnection(ctx context.Context, serverID string) error {
	c, ok := m.lookup(serverID)
	if !ok {
		return &UnknownServerError{Server: serverID}
	}
	if disabled(c.config()) {
		return &DisabledServerError{Server: serverID}
	}
	return c.request(ctx, evRestart)
}

func (m *Manager) liveSession(serverID string) (*mcp.ClientSession, time.Duration, error) {
	c, ok := m.lookup(serverID)
	if !ok {
		return nil, 0, &UnknownServerError{Server: serverID}
	}
	cfg := c.config()
	if disabled(cfg) {
		return nil, 0, &DisabledServerError{Server: serverID}
	}
	session := c.currentSession()
	if session == nil {
		return nil, 0, &ConnectionError{Server: serverID}
	}
	return session, m.callTimeout(cfg), nil
}

func (m *Manager) callError(ctx context.Context, serverID, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Server: serverID, Op: op, Err: err}
	}
	return fmt.Errorf("mcpmgr: %s on %q: %w", op, serverID, err)
}

// checkToolResult rejects results without content. The SDK decodes both an
// absent and an empty content array to nil, so a result is only accepted when
// it carries content or structured content.
func checkToolResult(serverID string, res *mcp.CallToolResult) error {
	if res == nil {
		return &ProtocolError{Server: serverID, Op: "tools/call", Reason: "empty result"}
	}
	if res.Content == nil && res.StructuredContent == nil {
		return &ProtocolError{Server: serverID, Op: "tools/call", Reason: "missing content"}
	}
	return nil
}

func checkResourceResult(serverID string, res *mcp.ReadResourceResult) error {
	if res == nil {
		return &ProtocolError{Server: serverID, Op: "resources/read", Reason: "empty result"}
	}
	if res.Contents == nil {
		return &ProtocolError{Server: serverID, Op: "resources/read", Reason: "missing contents"}
	}
	return nil
}
