package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type eventKind int

const (
	evConnect eventKind = iota
	evRestart
	evTransportDown
	evPingTick
	evReconnect
	evRefresh
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evRestart:
		return "restart"
	case evTransportDown:
		return "transport-down"
	case evPingTick:
		return "ping"
	case evReconnect:
		return "reconnect"
	case evRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

type event struct {
	kind  eventKind
	gen   uint64
	err   error
	reply chan error
}

// connection owns one server's client session, transport, and lifecycle
// state. Every transition runs on the run goroutine; other goroutines only
// read through the mutex-guarded accessors or post events.
type connection struct {
	m      *Manager
	name   string
	logger *slog.Logger

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	cfg     ServerConfig
	server  Server
	session *mcp.ClientSession
	state   connectionState

	// Touched only by the run goroutine.
	backoff *backoff.ExponentialBackOff
	stderr  *tailBuffer
}

func newConnection(m *Manager, name string, cfg ServerConfig) *connection {
	ctx, cancel := context.WithCancel(m.ctx)
	c := &connection{
		m:      m,
		name:   name,
		logger: m.options.Logger.With("server", name),
		events: make(chan event, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cfg:    cfg,
		server: Server{
			Name:     name,
			Status:   StatusDisconnected,
			Config:   serializeConfig(cfg),
			Disabled: disabled(cfg),
		},
		state:   connectionState{status: LifecycleDisconnected},
		backoff: newBackoff(m.options.Reconnect),
	}
	return c
}

func newBackoff(opts ReconnectOptions) *backoff.ExponentialBackOff {
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          opts.Multiplier,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}

// start launches the worker and, for enabled servers, the first connect.
func (c *connection) start() {
	go c.run()
	if !disabled(c.config()) {
		c.post(event{kind: evConnect})
	}
}

// teardown cancels the worker and waits until it has released its timers
// and session.
func (c *connection) teardown(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mcpmgr: teardown of %q: %w", c.name, ctx.Err())
	}
}

func (c *connection) run() {
	defer close(c.done)
	defer c.shutdown()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			err := c.handle(ev)
			if ev.reply != nil {
				ev.reply <- err
			}
		}
	}
}

func (c *connection) handle(ev event) error {
	switch ev.kind {
	case evConnect:
		return c.connect()
	case evRestart:
		c.mu.Lock()
		c.state.stopTimers()
		c.state.reconnectAttempts = 0
		c.state.consecutivePingFailures = 0
		c.mu.Unlock()
		c.backoff.Reset()
		c.logger.Info("manual restart")
		return c.connect()
	case evTransportDown:
		if !c.current(ev.gen, LifecycleConnected) {
			return nil
		}
		c.disconnected(ev.err)
		return nil
	case evPingTick:
		if !c.current(ev.gen, LifecycleConnected) {
			return nil
		}
		c.probe()
		return nil
	case evReconnect:
		if !c.current(ev.gen, LifecycleDisconnected) {
			return nil
		}
		c.mu.Lock()
		c.state.reconnectTimer = nil
		c.state.reconnectAttempts++
		attempt := c.state.reconnectAttempts
		c.mu.Unlock()
		c.logger.Info("reconnecting", "attempt", attempt)
		return c.connect()
	case evRefresh:
		if !c.current(ev.gen, LifecycleConnected) {
			return nil
		}
		c.refreshCapabilities()
		return nil
	default:
		return nil
	}
}

// current reports whether an event for gen still applies.
func (c *connection) current(gen uint64, status LifecycleStatus) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.generation == gen && c.state.status == status
}

// post delivers an event unless the worker has been torn down.
func (c *connection) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// tryPost delivers an event without blocking; used from SDK callbacks that
// must not stall the session's reader.
func (c *connection) tryPost(ev event) {
	select {
	case c.events <- ev:
	default:
	}
}

// request posts an event and waits for the worker to handle it.
func (c *connection) request(ctx context.Context, kind eventKind) error {
	reply := make(chan error, 1)
	select {
	case c.events <- event{kind: kind, reply: reply}:
	case <-c.ctx.Done():
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) connect() error {
	c.mu.Lock()
	c.state.stopTimers()
	session := c.session
	c.session = nil
	c.state.generation++
	c.state.status = LifecycleConnecting
	c.state.connectionID = uuid.NewString()
	gen := c.state.generation
	cfg := c.cfg
	c.server.Status = StatusConnecting
	c.mu.Unlock()
	closeSession(session)
	c.m.refreshSnapshot()

	transport, err := c.m.builder.build(c.name, cfg)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			c.fail(err)
			return err
		}
		return c.disconnected(&ConnectionError{Server: c.name, Err: err})
	}
	c.stderr = stderrOf(transport)
	observed := &observedTransport{
		serverID: c.name,
		delegate: transport,
		logger:   c.m.rpcLogger(cfg),
		onFailure: func(err error) {
			c.post(event{kind: evTransportDown, gen: gen, err: &ConnectionError{Server: c.name, Err: err}})
		},
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    c.m.clientName(c.name),
		Version: c.m.options.DefaultClientVersion,
	}, c.clientOptions(gen))

	connectCtx := c.ctx
	if h, ok := cfg.(*HTTPServerConfig); ok && h.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(c.ctx, h.ConnectTimeout)
		defer cancel()
	}
	session, err = client.Connect(connectCtx, observed, nil)
	if err != nil {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Server: c.name, Op: "connect", Err: err}
		}
		return c.disconnected(&ConnectionError{Server: c.name, Err: err})
	}

	caps := c.m.fetchCapabilities(c.ctx, c.name, session, c.m.callTimeout(cfg))
	if c.ctx.Err() != nil {
		closeSession(session)
		return c.ctx.Err()
	}

	c.mu.Lock()
	c.session = session
	c.state.status = LifecycleConnected
	c.state.reconnectAttempts = 0
	c.state.consecutivePingFailures = 0
	c.state.lastConnected = time.Now()
	c.state.lastError = ""
	c.server.Status = StatusConnected
	c.server.Error = ""
	c.server.Tools = caps.Tools
	c.server.Resources = caps.Resources
	c.server.ResourceTemplates = caps.ResourceTemplates
	connID := c.state.connectionID
	c.mu.Unlock()
	c.backoff.Reset()

	go c.watch(gen, session)
	c.armPing(gen)
	c.logger.Info("connected",
		"generation", gen,
		"conn", connID,
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"templates", len(caps.ResourceTemplates))
	c.m.refreshSnapshot()
	return nil
}

func (c *connection) clientOptions(gen uint64) *mcp.ClientOptions {
	opts := c.m.options.DefaultClientOptions
	toolsChanged := opts.ToolListChangedHandler
	resourcesChanged := opts.ResourceListChangedHandler
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if toolsChanged != nil {
			toolsChanged(ctx, req)
		}
		c.tryPost(event{kind: evRefresh, gen: gen})
	}
	opts.ResourceListChangedHandler = func(ctx context.Context, req *mcp.ResourceListChangedRequest) {
		if resourcesChanged != nil {
			resourcesChanged(ctx, req)
		}
		c.tryPost(event{kind: evRefresh, gen: gen})
	}
	return &opts
}

// watch turns the end of a session into a transport-down event.
func (c *connection) watch(gen uint64, session *mcp.ClientSession) {
	err := session.Wait()
	if err == nil {
		err = errors.New("transport closed")
	}
	c.post(event{kind: evTransportDown, gen: gen, err: &ConnectionError{Server: c.name, Err: err}})
}

// disconnected records cause and either schedules a reconnect or, once the
// budget is spent, marks the connection failed.
func (c *connection) disconnected(cause error) error {
	msg := cause.Error()
	if tail := c.stderr.String(); tail != "" {
		msg += "\nstderr: " + tail
	}

	c.mu.Lock()
	c.state.stopPing()
	session := c.session
	c.session = nil
	c.state.status = LifecycleDisconnected
	c.state.lastError = cause.Error()
	c.server.Status = StatusDisconnected
	c.server.appendError(msg)
	attempts := c.state.reconnectAttempts
	c.mu.Unlock()
	closeSession(session)

	maxAttempts := c.m.options.Reconnect.MaxAttempts
	if attempts >= maxAttempts {
		c.logger.Error("reconnect budget exhausted", "attempts", attempts, "error", cause)
		c.markFailed()
	} else {
		c.logger.Warn("disconnected", "attempts", attempts, "error", cause)
		c.scheduleReconnect()
	}
	c.m.refreshSnapshot()
	return cause
}

// fail moves straight to the terminal state without scheduling a retry.
func (c *connection) fail(cause error) {
	c.mu.Lock()
	c.state.lastError = cause.Error()
	c.server.appendError(cause.Error())
	c.mu.Unlock()
	c.logger.Error("connection failed", "error", cause)
	c.markFailed()
	c.m.refreshSnapshot()
}

func (c *connection) markFailed() {
	c.mu.Lock()
	c.state.stopTimers()
	c.state.status = LifecycleFailed
	c.server.Status = StatusDisconnected
	c.mu.Unlock()
}

func (c *connection) scheduleReconnect() {
	delay := c.backoff.NextBackOff()
	c.mu.Lock()
	c.state.stopReconnect()
	gen := c.state.generation
	c.state.reconnectTimer = c.m.after(delay, func() {
		c.post(event{kind: evReconnect, gen: gen})
	})
	attempt := c.state.reconnectAttempts + 1
	c.mu.Unlock()
	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// shutdown releases every resource on worker exit.
func (c *connection) shutdown() {
	c.mu.Lock()
	c.state.stopTimers()
	session := c.session
	c.session = nil
	c.state.status = LifecycleDisconnected
	c.server.Status = StatusDisconnected
	c.mu.Unlock()
	closeSession(session)
}

func closeSession(session *mcp.ClientSession) {
	if session != nil {
		_ = session.Close()
	}
}

func (c *connection) config() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *connection) record() Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

func (c *connection) stateSnapshot() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.snapshot()
}

func (c *connection) currentSession() *mcp.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}
