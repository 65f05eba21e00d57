package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const stderrTailLimit = 4096

// ValidateServerConfig checks that cfg carries enough information to build a
// transport. Failures are reported as *ConfigError naming serverID.
func ValidateServerConfig(serverID string, cfg ServerConfig) error {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c == nil {
			return &ConfigError{Server: serverID, Reason: "missing configuration"}
		}
		if strings.TrimSpace(c.Command) == "" {
			return &ConfigError{Server: serverID, Reason: "command is required for stdio transport"}
		}
		return nil
	case *HTTPServerConfig:
		if c == nil {
			return &ConfigError{Server: serverID, Reason: "missing configuration"}
		}
		return validateHTTP(serverID, c)
	case *InvalidServerConfig:
		if c == nil {
			return &ConfigError{Server: serverID, Reason: "missing configuration"}
		}
		return &ConfigError{Server: serverID, Reason: c.Reason}
	case nil:
		return &ConfigError{Server: serverID, Reason: "missing configuration"}
	default:
		return &ConfigError{Server: serverID, Reason: fmt.Sprintf("unsupported config type %T", cfg)}
	}
}

func validateHTTP(serverID string, cfg *HTTPServerConfig) error {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return &ConfigError{Server: serverID, Reason: "url is required for http transport"}
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return &ConfigError{Server: serverID, Reason: "invalid url", Err: err}
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &ConfigError{Server: serverID, Reason: fmt.Sprintf("invalid url %q: want absolute http(s) url", endpoint)}
	}
	switch cfg.Kind {
	case "", HTTPKindStreamable, HTTPKindSSE:
		return nil
	default:
		return &ConfigError{Server: serverID, Reason: fmt.Sprintf("unknown http kind %q", cfg.Kind)}
	}
}

// BuildTransport constructs the transport described by cfg. Missing or
// malformed launch settings yield a *ConfigError naming serverID.
func BuildTransport(serverID string, cfg ServerConfig) (mcp.Transport, error) {
	if err := ValidateServerConfig(serverID, cfg); err != nil {
		return nil, err
	}
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return buildStdioTransport(c), nil
	case *HTTPServerConfig:
		return buildHTTPTransport(c), nil
	}
	return nil, &ConfigError{Server: serverID, Reason: fmt.Sprintf("unsupported config type %T", cfg)}
}

func buildStdioTransport(cfg *StdioServerConfig) mcp.Transport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	var base []string
	if cfg.InheritEnv {
		base = os.Environ()
	} else if path, ok := os.LookupEnv("PATH"); ok {
		base = []string{"PATH=" + path}
	}
	cmd.Env = mergeEnv(base, cfg.Env)
	cmd.Dir = cfg.Dir
	cmd.Stderr = newTailBuffer(stderrTailLimit)
	return &mcp.CommandTransport{Command: cmd}
}

func buildHTTPTransport(cfg *HTTPServerConfig) mcp.Transport {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   strings.TrimSpace(cfg.Endpoint),
		MaxRetries: cfg.MaxRetries,
	}
	if len(cfg.Headers) > 0 {
		transport.HTTPClient = &http.Client{
			Transport: &headerDecorator{next: http.DefaultTransport, headers: cloneHeaderMap(cfg.Headers)},
		}
	}
	return transport
}

// mergeEnv applies overrides on top of base, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	env := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		if i, seen := index[key]; seen {
			env[i] = entry
			continue
		}
		index[key] = len(env)
		env = append(env, entry)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := k + "=" + overrides[k]
		if i, seen := index[k]; seen {
			env[i] = entry
			continue
		}
		index[k] = len(env)
		env = append(env, entry)
	}
	return env
}

// transportBuilder wraps BuildTransport with the manager's one-time
// deprecation diagnostics and the optional factory override.
type transportBuilder struct {
	factory TransportFactory
	logger  *slog.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

func newTransportBuilder(factory TransportFactory, logger *slog.Logger) *transportBuilder {
	return &transportBuilder{factory: factory, logger: logger, warned: make(map[string]struct{})}
}

func (b *transportBuilder) build(serverID string, cfg ServerConfig) (mcp.Transport, error) {
	if h, ok := cfg.(*HTTPServerConfig); ok && h != nil && h.Kind == HTTPKindSSE {
		b.warnOnce(serverID)
	}
	if b.factory != nil {
		if err := ValidateServerConfig(serverID, cfg); err != nil {
			return nil, err
		}
		return b.factory(serverID, cfg)
	}
	return BuildTransport(serverID, cfg)
}

func (b *transportBuilder) warnOnce(serverID string) {
	b.mu.Lock()
	_, seen := b.warned[serverID]
	b.warned[serverID] = struct{}{}
	b.mu.Unlock()
	if !seen {
		b.logger.Warn("sse transport kind is deprecated; using streamable http", "server", serverID)
	}
}

// stderrOf returns the captured stderr tail of a command transport.
func stderrOf(t mcp.Transport) *tailBuffer {
	ct, ok := t.(*mcp.CommandTransport)
	if !ok || ct.Command == nil {
		return nil
	}
	tb, _ := ct.Command.Stderr.(*tailBuffer)
	return tb
}

// observedTransport reports connection failures to the owning worker and
// optionally logs JSON-RPC traffic.
type observedTransport struct {
	serverID  string
	delegate  mcp.Transport
	logger    RPCLogger
	onFailure func(error)
}

func (t *observedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &observedConnection{
		serverID:  t.serverID,
		delegate:  conn,
		logger:    t.logger,
		onFailure: t.onFailure,
	}, nil
}

type observedConnection struct {
	serverID  string
	delegate  mcp.Connection
	logger    RPCLogger
	onFailure func(error)

	mu       sync.Mutex
	closed   bool
	reported sync.Once
}

func (c *observedConnection) SessionID() string { return c.delegate.SessionID() }

func (c *observedConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != nil {
		c.fail(ctx, err)
		return msg, err
	}
	c.emit(RPCDirectionReceive, msg)
	return msg, nil
}

func (c *observedConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		c.fail(ctx, err)
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *observedConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.delegate.Close()
}

func (c *observedConnection) fail(ctx context.Context, err error) {
	if c.onFailure == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.reported.Do(func() { c.onFailure(err) })
}

func (c *observedConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	if c.logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

func consoleRPCLogger(event RPCLogEvent) {
	fmt.Printf("[MCP:%s] %s %s\n", event.ServerID, strings.ToUpper(string(event.Direction)), string(event.Message))
}

type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	for k, v := range d.headers {
		clone.Header.Set(k, v)
	}
	return d.next.RoundTrip(clone)
}

func cloneHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
