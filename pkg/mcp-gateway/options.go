package mcpgateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// StatusPath serves a JSON summary of the manager's snapshot. Defaults to
	// "/status"; set to "-" to disable.
	StatusPath string
	// Namespace customizes how upstream names and URIs are exposed to downstream
	// clients. Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// CORS configures cross-origin handling for browser clients. Unset method
	// and header lists get values suited to the Streamable transport.
	CORS cors.Options
	// TokenVerifier enables bearer-token authentication on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune the bearer-token middleware. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer, when set together with TokenVerifier, is advertised
	// from /.well-known/oauth-protected-resource.
	AuthorizationServer string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful stop of ListenAndServe. Defaults to 10s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-supervisor-gateway",
			Title:   "MCP Supervisor Gateway",
			Version: "0.1.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	switch opts.StatusPath {
	case "":
		opts.StatusPath = "/status"
	case "-":
		opts.StatusPath = ""
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if len(opts.CORS.AllowedMethods) == 0 {
		opts.CORS.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	}
	if len(opts.CORS.AllowedHeaders) == 0 {
		opts.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"}
	}
	if len(opts.CORS.ExposedHeaders) == 0 {
		opts.CORS.ExposedHeaders = []string{"Mcp-Session-Id"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
