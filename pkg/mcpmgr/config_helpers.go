package mcpmgr

import (
	"encoding/json"
	"maps"
	"slices"
)

// Helpers for narrowing, comparing, and serializing ServerConfig values
// without forcing consumers to use a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportHTTP  ConfigTransport = "http"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		return TransportHTTP
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	_, ok := cfg.(*HTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig, returning (nil, false) when it
// does not match.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// ConfigEqual compares two configurations field by field. Nil and empty
// collections compare equal, and the deprecated SSE kind equals the
// streamable kind since both produce the same transport.
func ConfigEqual(a, b ServerConfig) bool {
	switch x := a.(type) {
	case *StdioServerConfig:
		y, ok := b.(*StdioServerConfig)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return x.BaseServerConfig == y.BaseServerConfig &&
			x.Command == y.Command &&
			slices.Equal(x.Args, y.Args) &&
			maps.Equal(x.Env, y.Env) &&
			x.Dir == y.Dir &&
			x.InheritEnv == y.InheritEnv
	case *HTTPServerConfig:
		y, ok := b.(*HTTPServerConfig)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return x.BaseServerConfig == y.BaseServerConfig &&
			x.Endpoint == y.Endpoint &&
			normalizeKind(x.Kind) == normalizeKind(y.Kind) &&
			maps.Equal(x.Headers, y.Headers) &&
			x.ConnectTimeout == y.ConnectTimeout &&
			x.MaxRetries == y.MaxRetries
	case *InvalidServerConfig:
		y, ok := b.(*InvalidServerConfig)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return *x == *y
	case nil:
		return b == nil
	default:
		return false
	}
}

func normalizeKind(k HTTPKind) HTTPKind {
	if k == HTTPKindSSE || k == "" {
		return HTTPKindStreamable
	}
	return k
}

// cloneConfig returns a deep copy so callers cannot mutate stored configs.
func cloneConfig(cfg ServerConfig) ServerConfig {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c == nil {
			return nil
		}
		out := *c
		out.Args = slices.Clone(c.Args)
		out.Env = maps.Clone(c.Env)
		return &out
	case *HTTPServerConfig:
		if c == nil {
			return nil
		}
		out := *c
		out.Headers = maps.Clone(c.Headers)
		return &out
	case *InvalidServerConfig:
		if c == nil {
			return nil
		}
		out := *c
		return &out
	default:
		return cfg
	}
}

// configView is the serialized form stored on Server records.
type configView struct {
	Transport ConfigTransport `json:"transport"`
	Config    ServerConfig    `json:"config"`
}

func serializeConfig(cfg ServerConfig) string {
	data, err := json.Marshal(configView{Transport: TransportOf(cfg), Config: cfg})
	if err != nil {
		return ""
	}
	return string(data)
}

func disabled(cfg ServerConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.base().Disabled
}
