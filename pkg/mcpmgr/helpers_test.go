package mcpmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeClock records every armed timer so tests can observe delays and fire
// them on demand.
type fakeClock struct {
	armed chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{armed: make(chan *fakeTimer, 64)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	t := &fakeTimer{delay: d, f: f}
	c.armed <- t
	return t
}

// next waits for the next armed timer.
func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.armed:
		return tm
	case <-time.After(5 * time.Second):
		t.Fatalf("no timer armed")
		return nil
	}
}

// quiet fails if a timer is armed within d.
func (c *fakeClock) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case tm := <-c.armed:
		t.Fatalf("unexpected timer armed with delay %v", tm.delay)
	case <-time.After(d):
	}
}

type fakeTimer struct {
	delay time.Duration
	f     func()

	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) Fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

// upstream is an in-process MCP server that the manager reaches through
// in-memory transports.
type upstream struct {
	server *mcp.Server

	failList atomic.Bool
	refuse   atomic.Bool
	connects atomic.Int32

	mu       sync.Mutex
	sessions []*mcp.ServerSession
}

type echoInput struct {
	Text string `json:"text"`
}

func newUpstream(name string, tools ...string) *upstream {
	u := &upstream{server: mcp.NewServer(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil)}
	for _, tool := range tools {
		tool := tool
		mcp.AddTool(u.server, &mcp.Tool{Name: tool, Description: "echo via " + tool},
			func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: tool + ":" + in.Text}},
				}, nil, nil
			})
	}
	u.server.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "tools/list" && u.failList.Load() {
				return nil, errors.New("upstream unavailable")
			}
			return next(ctx, method, req)
		}
	})
	return u
}

func (u *upstream) addResource(uri, name string) {
	u.server.AddResource(&mcp.Resource{URI: uri, Name: name, MIMEType: "text/plain"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: "contents of " + name}},
			}, nil
		})
}

func (u *upstream) addTemplate(uriTemplate, name string) {
	u.server.AddResourceTemplate(&mcp.ResourceTemplate{URITemplate: uriTemplate, Name: name},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "template " + name}},
			}, nil
		})
}

func (u *upstream) transport() (mcp.Transport, error) {
	if u.refuse.Load() {
		return refusingTransport{}, nil
	}
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := u.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, err
	}
	u.connects.Add(1)
	u.mu.Lock()
	u.sessions = append(u.sessions, ss)
	u.mu.Unlock()
	return clientT, nil
}

// dropAll closes every live server-side session, simulating a crash.
func (u *upstream) dropAll() {
	u.mu.Lock()
	sessions := u.sessions
	u.sessions = nil
	u.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

type refusingTransport struct{}

func (refusingTransport) Connect(context.Context) (mcp.Connection, error) {
	return nil, errors.New("connection refused")
}

// upstreamSet routes HTTP configs to upstreams by endpoint.
type upstreamSet struct {
	mu    sync.Mutex
	byURL map[string]*upstream
}

func newUpstreamSet() *upstreamSet {
	return &upstreamSet{byURL: make(map[string]*upstream)}
}

func (s *upstreamSet) add(endpoint string, u *upstream) *upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byURL[endpoint] = u
	return u
}

func (s *upstreamSet) factory(serverID string, cfg ServerConfig) (mcp.Transport, error) {
	h, ok := AsHTTP(cfg)
	if !ok {
		return nil, fmt.Errorf("test factory: %s is not http", serverID)
	}
	s.mu.Lock()
	u, ok := s.byURL[h.Endpoint]
	s.mu.Unlock()
	if !ok {
		return refusingTransport{}, nil
	}
	return u.transport()
}

func httpConfig(endpoint string) *HTTPServerConfig {
	return &HTTPServerConfig{Endpoint: endpoint}
}

type testHarness struct {
	manager   *Manager
	clock     *fakeClock
	upstreams *upstreamSet
	logs      *syncBuffer
}

func newHarness(t *testing.T, opts *ManagerOptions) *testHarness {
	t.Helper()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	h := &testHarness{clock: newFakeClock(), upstreams: newUpstreamSet(), logs: &syncBuffer{}}
	opts.TransportFactory = h.upstreams.factory
	opts.Logger = slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if opts.Health.Interval == 0 {
		opts.Health.Interval = time.Minute
	}
	h.manager = NewManager(nil, opts)
	h.manager.after = h.clock.AfterFunc
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.manager.Stop(ctx)
	})
	return h
}

func (h *testHarness) reconcile(t *testing.T, desired map[string]ServerConfig) ReconcileResult {
	t.Helper()
	res, err := h.manager.Reconcile(context.Background(), desired)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return res
}

// waitState polls until the server's lifecycle state satisfies cond.
func waitState(t *testing.T, m *Manager, name string, cond func(ConnectionState) bool) ConnectionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := m.ConnectionState(name)
		if ok && cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("server %s: condition not met, last state %+v (known=%v)", name, st, ok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isConnected(st ConnectionState) bool { return st.Status == LifecycleConnected }

func statusIs(s LifecycleStatus) func(ConnectionState) bool {
	return func(st ConnectionState) bool { return st.Status == s }
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func envContains(env []string, key, value string) bool {
	target := key + "=" + value
	for _, item := range env {
		if item == target {
			return true
		}
	}
	return false
}
