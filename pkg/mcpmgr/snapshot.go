package mcpmgr

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProviderSnapshot is the aggregated, read-only view of every enabled
// server's lifecycle status and capabilities. A new snapshot is built after
// each connect, disconnect, capability refresh, and reconcile pass.
type ProviderSnapshot struct {
	Servers map[string]ServerEntry
	BuiltAt time.Time
	// Version increases by one per rebuild.
	Version uint64
}

// Connected returns the entries whose connection is live, keyed by name.
func (s ProviderSnapshot) Connected() map[string]ServerEntry {
	out := make(map[string]ServerEntry, len(s.Servers))
	for name, entry := range s.Servers {
		if entry.Status == StatusConnected {
			out[name] = entry
		}
	}
	return out
}

// ServerEntry describes one server within a ProviderSnapshot.
type ServerEntry struct {
	Name         string
	Status       ConnectionStatus
	Generation   uint64
	ConnectionID string

	Tools             map[string]ToolInfo
	Resources         map[string]ResourceInfo
	ResourceTemplates map[string]ResourceInfo

	Capabilities CapabilitySet
}

// ToolInfo is the name-keyed view of a tool. Tool holds the full definition
// as reported by the server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema any
	Tool        *mcp.Tool
}

// ResourceInfo is the URI-keyed view of a resource or resource template.
type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// Snapshot returns the most recently built ProviderSnapshot. Its maps are
// shared with other readers and must not be modified.
func (m *Manager) Snapshot() ProviderSnapshot {
	return *m.snapshot.Load()
}

// OnSnapshot registers a listener invoked with every rebuilt snapshot, in
// rebuild order. Listeners run synchronously on the goroutine that triggered
// the rebuild and must not call Reconcile or Stop.
func (m *Manager) OnSnapshot(listener func(ProviderSnapshot)) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

func (m *Manager) refreshSnapshot() {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	listeners := append([]func(ProviderSnapshot){}, m.listeners...)
	m.mu.RUnlock()

	servers := make(map[string]ServerEntry, len(conns))
	for _, c := range conns {
		rec, st := c.entryParts()
		if rec.Disabled {
			continue
		}
		servers[rec.Name] = buildEntry(rec, st)
	}
	m.snapshotVersion++
	snap := &ProviderSnapshot{
		Servers: servers,
		BuiltAt: time.Now(),
		Version: m.snapshotVersion,
	}
	m.snapshot.Store(snap)

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.options.Logger.Error("snapshot listener panicked", "panic", r)
				}
			}()
			l(*snap)
		}()
	}
}

func buildEntry(rec Server, st ConnectionState) ServerEntry {
	caps := rec.capabilities()
	entry := ServerEntry{
		Name:              rec.Name,
		Status:            rec.Status,
		Generation:        st.Generation,
		ConnectionID:      st.ConnectionID,
		Tools:             make(map[string]ToolInfo, len(caps.Tools)),
		Resources:         make(map[string]ResourceInfo, len(caps.Resources)),
		ResourceTemplates: make(map[string]ResourceInfo, len(caps.ResourceTemplates)),
		Capabilities:      caps,
	}
	for _, t := range caps.Tools {
		if t == nil {
			continue
		}
		entry.Tools[t.Name] = ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Tool:        t,
		}
	}
	for _, r := range caps.Resources {
		if r == nil {
			continue
		}
		entry.Resources[r.URI] = ResourceInfo{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		}
	}
	for _, rt := range caps.ResourceTemplates {
		if rt == nil {
			continue
		}
		entry.ResourceTemplates[rt.URITemplate] = ResourceInfo{
			URI:         rt.URITemplate,
			Name:        rt.Name,
			Description: rt.Description,
			MIMEType:    rt.MIMEType,
		}
	}
	return entry
}

func (c *connection) entryParts() (Server, ConnectionState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server, c.state.snapshot()
}
