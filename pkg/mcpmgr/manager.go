package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Manager supervises a set of MCP server connections. The desired set is
// declared through Reconcile; each connection then runs its own lifecycle
// (connect, health probing, exponential-backoff reconnects) until it is
// removed, replaced, or the manager stops.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	builder *transportBuilder
	after   afterFunc

	initial map[string]ServerConfig
	conns   map[string]*connection

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	// reconcileMu serializes Reconcile, Start, and Stop.
	reconcileMu sync.Mutex

	// snapshotMu orders snapshot rebuilds and listener delivery. Lock order is
	// snapshotMu, then mu, then a connection's mu.
	snapshotMu      sync.Mutex
	snapshot        atomic.Pointer[ProviderSnapshot]
	snapshotVersion uint64
	listeners       []func(ProviderSnapshot)

	serverRemovedHandlers []func(string)
}

// ReconcileResult lists what a Reconcile call changed, by server name.
type ReconcileResult struct {
	Added     []string
	Removed   []string
	Replaced  []string
	Unchanged []string
	// Errors holds configuration problems detected for individual servers.
	// Such servers are still registered and end up in the failed state.
	Errors map[string]error
}

// Changed reports whether any connection was created or torn down.
func (r ReconcileResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Replaced) > 0
}

// NewManager constructs a Manager. The initial configurations are applied
// when Start is called. Callers can provide nil options to fall back to
// defaults.
func NewManager(initial map[string]ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	cfgs := make(map[string]ServerConfig, len(initial))
	for id, sc := range initial {
		cfgs[id] = cloneConfig(sc)
	}
	m := &Manager{
		options: options,
		builder: newTransportBuilder(options.TransportFactory, options.Logger),
		after:   realAfterFunc,
		initial: cfgs,
		conns:   make(map[string]*connection),
	}
	m.snapshot.Store(&ProviderSnapshot{Servers: map[string]ServerEntry{}})
	return m
}

// Start applies the initial configuration and begins connecting. Connection
// attempts run in the background; Start does not wait for them.
func (m *Manager) Start(ctx context.Context) error {
	m.reconcileMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.reconcileMu.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mu.Unlock()
		m.reconcileMu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.started = true
	initial := m.initial
	m.initial = nil
	m.mu.Unlock()
	m.reconcileMu.Unlock()

	m.options.Logger.Info("manager starting", "servers", len(initial))
	_, err := m.Reconcile(ctx, initial)
	return err
}

// Stop tears down every connection and waits for their workers to exit or
// ctx to expire. A stopped manager cannot be restarted.
func (m *Manager) Stop(ctx context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	conns := m.conns
	m.conns = make(map[string]*connection)
	cancel := m.cancel
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	m.refreshSnapshot()
	m.options.Logger.Info("manager stopped", "servers", len(conns))
	return errors.Join(errs...)
}

// Reconcile drives the managed set toward desired. Servers absent from
// desired are torn down, new names are connected, and names whose
// configuration changed are replaced (old connection fully torn down first).
// Identical configurations are left untouched. Per-server failures never
// abort the pass; they are logged and surface as server status.
func (m *Manager) Reconcile(ctx context.Context, desired map[string]ServerConfig) (ReconcileResult, error) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	result := ReconcileResult{Errors: map[string]error{}}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return result, ErrManagerStopped
	}
	if !m.started {
		m.mu.Unlock()
		return result, ErrNotStarted
	}

	var stale, fresh []*connection
	for name, c := range m.conns {
		if _, ok := desired[name]; !ok {
			stale = append(stale, c)
			delete(m.conns, name)
			result.Removed = append(result.Removed, name)
		}
	}
	for _, name := range sortedKeys(desired) {
		cfg := desired[name]
		if err := ValidateServerConfig(name, cfg); err != nil {
			result.Errors[name] = err
			m.options.Logger.Error("invalid server config", "server", name, "error", err)
			if isNilConfig(cfg) {
				if existing, ok := m.conns[name]; ok {
					stale = append(stale, existing)
					delete(m.conns, name)
					result.Removed = append(result.Removed, name)
				}
				continue
			}
			// Registered anyway so the failure is visible in status.
		}
		existing, ok := m.conns[name]
		switch {
		case ok && ConfigEqual(existing.config(), cfg):
			result.Unchanged = append(result.Unchanged, name)
			continue
		case ok:
			stale = append(stale, existing)
			result.Replaced = append(result.Replaced, name)
		default:
			result.Added = append(result.Added, name)
		}
		c := newConnection(m, name, cloneConfig(cfg))
		m.conns[name] = c
		fresh = append(fresh, c)
	}
	removedHandlers := append([]func(string){}, m.serverRemovedHandlers...)
	m.mu.Unlock()

	var errs []error
	for _, c := range stale {
		if err := c.teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range fresh {
		c.start()
	}
	sort.Strings(result.Removed)
	if len(stale) > 0 || len(fresh) > 0 {
		m.refreshSnapshot()
	}
	for _, name := range result.Removed {
		notifyRemoved(removedHandlers, name)
	}
	if result.Changed() {
		m.options.Logger.Info("reconciled",
			"added", result.Added,
			"removed", result.Removed,
			"replaced", result.Replaced,
			"unchanged", len(result.Unchanged))
	}
	return result, errors.Join(errs...)
}

func notifyRemoved(handlers []func(string), id string) {
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(id)
		}()
	}
}

// OnServerRemoved registers a callback invoked after Reconcile tears down a
// server whose name left the desired set. Handlers run without the manager
// lock held.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

// ListServers returns every registered server name, disabled ones included.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server name is registered.
func (m *Manager) HasServer(serverID string) bool {
	_, ok := m.lookup(serverID)
	return ok
}

// Servers returns the records of every enabled server, sorted by name. The
// capability slices are shared and must be treated as read-only.
func (m *Manager) Servers() []Server {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]Server, 0, len(conns))
	for _, c := range conns {
		rec := c.record()
		if rec.Disabled {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Server returns the record for one server, disabled ones included.
func (m *Manager) Server(serverID string) (Server, bool) {
	c, ok := m.lookup(serverID)
	if !ok {
		return Server{}, false
	}
	return c.record(), true
}

// GetServerConfig returns a copy of the configuration in effect for a server.
func (m *Manager) GetServerConfig(serverID string) ServerConfig {
	c, ok := m.lookup(serverID)
	if !ok {
		return nil
	}
	return cloneConfig(c.config())
}

// ConnectionState returns the lifecycle metadata of a server.
func (m *Manager) ConnectionState(serverID string) (ConnectionState, bool) {
	c, ok := m.lookup(serverID)
	if !ok {
		return ConnectionState{}, false
	}
	return c.stateSnapshot(), true
}

// Capabilities returns the capability set captured on the server's last
// successful connect.
func (m *Manager) Capabilities(serverID string) (CapabilitySet, bool) {
	c, ok := m.lookup(serverID)
	if !ok {
		return CapabilitySet{}, false
	}
	rec := c.record()
	if rec.Tools == nil && rec.Resources == nil && rec.ResourceTemplates == nil {
		return emptyCapabilities(), true
	}
	return rec.capabilities(), true
}

func (m *Manager) lookup(serverID string) (*connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok
}

func (m *Manager) clientName(serverID string) string {
	if m.options.DefaultClientName != "" {
		return m.options.DefaultClientName
	}
	return serverID
}

func (m *Manager) callTimeout(cfg ServerConfig) time.Duration {
	if cfg != nil {
		if t := cfg.base().Timeout; t > 0 {
			return t
		}
	}
	return m.options.DefaultTimeout
}

func (m *Manager) rpcLogger(cfg ServerConfig) RPCLogger {
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	if (cfg != nil && cfg.base().LogJSONRPC) || m.options.DefaultLogJSONRPC {
		return consoleRPCLogger
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func sortedKeys(cfgs map[string]ServerConfig) []string {
	keys := make([]string, 0, len(cfgs))
	for k := range cfgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isNilConfig catches nil interfaces and typed nil pointers.
func isNilConfig(cfg ServerConfig) bool {
	switch c := cfg.(type) {
	case nil:
		return true
	case *StdioServerConfig:
		return c == nil
	case *HTTPServerConfig:
		return c == nil
	case *InvalidServerConfig:
		return c == nil
	default:
		return false
	}
}

func (r ReconcileResult) String() string {
	return fmt.Sprintf("added=%v removed=%v replaced=%v unchanged=%v",
		r.Added, r.Removed, r.Replaced, r.Unchanged)
}
