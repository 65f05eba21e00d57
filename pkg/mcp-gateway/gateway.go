package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

// Gateway exposes a Streamable MCP server that fronts every connected server
// of an mcpmgr.Manager under a single HTTP endpoint. Registrations follow the
// manager's snapshots: a server's tools and resources appear when it
// connects, are replaced when its connection or capability list changes, and
// disappear when it disconnects or is removed.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server

	applyMu sync.Mutex
	applied uint64

	pendingMu sync.Mutex
	pending   *mcpmgr.ProviderSnapshot
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewGateway builds a Gateway and mirrors the manager's current snapshot.
// Later snapshots are applied in the background until Close.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires a TokenVerifier")
	}
	g := &Gateway{
		manager:  mgr,
		opts:     options,
		features: newFeatureIndex(options.Namespace),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	mgr.OnSnapshot(g.enqueue)
	g.apply(mgr.Snapshot())
	go g.loop()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and
// the status route, wrapped with CORS handling.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes. Routes
// may be added while the gateway is serving.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Server returns the downstream MCP server. Use it to serve the gateway over
// a transport other than HTTP.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Close stops applying snapshots. Registrations already made stay in place.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// enqueue runs on the manager's snapshot goroutine and only records the
// latest snapshot.
func (g *Gateway) enqueue(snap mcpmgr.ProviderSnapshot) {
	g.pendingMu.Lock()
	if g.pending == nil || g.pending.Version < snap.Version {
		g.pending = &snap
	}
	g.pendingMu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) loop() {
	for {
		select {
		case <-g.done:
			return
		case <-g.wake:
		}
		g.pendingMu.Lock()
		snap := g.pending
		g.pending = nil
		g.pendingMu.Unlock()
		if snap != nil {
			g.apply(*snap)
		}
	}
}

// apply brings downstream registrations in line with snap. Snapshots older
// than the last one applied are ignored.
func (g *Gateway) apply(snap mcpmgr.ProviderSnapshot) {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()
	if snap.Version != 0 && snap.Version <= g.applied {
		return
	}
	g.applied = snap.Version

	connected := snap.Connected()
	for _, serverID := range g.features.Servers() {
		if _, ok := connected[serverID]; ok {
			continue
		}
		g.commit(g.features.Drop(serverID))
		g.opts.Logger.Info("gateway dropped server", "server", serverID)
	}
	for _, entry := range connected {
		d, changed := g.features.Replace(entry)
		if !changed {
			continue
		}
		g.commit(d)
		g.opts.Logger.Debug("gateway synced server",
			"server", entry.Name,
			"generation", entry.Generation,
			"tools", len(d.Tools),
			"resources", len(d.Resources),
			"templates", len(d.Templates),
		)
	}
}

func (g *Gateway) commit(d delta) {
	if d.empty() {
		return
	}
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(d.RemovedTools) > 0 {
		g.server.RemoveTools(d.RemovedTools...)
	}
	if len(d.RemovedResources) > 0 {
		g.server.RemoveResources(d.RemovedResources...)
	}
	if len(d.RemovedTemplates) > 0 {
		g.server.RemoveResourceTemplates(d.RemovedTemplates...)
	}
	for _, reg := range d.Tools {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	}
	for _, reg := range d.Resources {
		g.server.AddResource(reg.Resource, g.makeResourceHandler(reg.Target))
	}
	for _, reg := range d.Templates {
		g.server.AddResourceTemplate(reg.Template, g.makeTemplateHandler(reg.Target))
	}
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := &mcp.CallToolParams{Name: target.NativeName}
		if req != nil && req.Params != nil {
			params.Meta = req.Params.Meta
			if len(req.Params.Arguments) > 0 {
				params.Arguments = json.RawMessage(req.Params.Arguments)
			}
		}
		return g.manager.CallToolWithParams(ctx, target.ServerID, params)
	}
}

func (g *Gateway) makeResourceHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return g.manager.ReadResource(ctx, target.ServerID, target.NativeURI)
	}
}

func (g *Gateway) makeTemplateHandler(target resourceTarget) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		native := target.NativeURI
		if req != nil && req.Params != nil {
			if candidate, ok := g.opts.Namespace.NativeResourceTemplateURI(target.ServerID, req.Params.URI); ok {
				native = candidate
			}
		}
		return g.manager.ReadResource(ctx, target.ServerID, native)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var endpoint http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}
	g.mux = http.NewServeMux()
	g.mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		g.mux.Handle(path+"/", endpoint)
	}
	if g.opts.StatusPath != "" {
		g.mux.HandleFunc("GET "+g.opts.StatusPath, g.serveStatus)
	}
	if g.opts.TokenVerifier != nil && g.opts.AuthorizationServer != "" {
		g.mux.HandleFunc("GET /.well-known/oauth-protected-resource", g.serveResourceMetadata)
	}
	return cors.New(g.opts.CORS).Handler(g.mux)
}

// serveResourceMetadata publishes the OAuth protected resource document for
// the MCP endpoint.
func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := map[string]any{
		"resource":                 scheme + "://" + r.Host + g.opts.Path,
		"authorization_servers":    []string{g.opts.AuthorizationServer},
		"bearer_methods_supported": []string{"header"},
	}
	if g.opts.TokenOptions != nil && len(g.opts.TokenOptions.Scopes) > 0 {
		doc["scopes_supported"] = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		g.opts.Logger.Warn("write resource metadata", "error", err)
	}
}
