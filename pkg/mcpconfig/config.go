package mcpconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf infers the format from a file extension. Anything that is not
// .json is treated as YAML, which is a superset of JSON.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Transport names accepted in the type field.
const (
	TypeStdio      = "stdio"
	TypeHTTP       = "http"
	TypeStreamable = "streamable"
	TypeSSE        = "sse"
)

// File is the on-disk description of the servers a supervisor should keep
// connected, plus the global reconnect and health settings.
type File struct {
	Servers   map[string]*Server `yaml:"servers" json:"servers"`
	Defaults  Defaults           `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Reconnect Reconnect          `yaml:"reconnect,omitempty" json:"reconnect,omitempty"`
	Health    Health             `yaml:"health,omitempty" json:"health,omitempty"`
}

// Server is a single upstream entry. Type may be omitted: a command implies
// stdio and a url implies http.
type Server struct {
	Type       string            `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=stdio http streamable sse"`
	Command    string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir        string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	InheritEnv bool              `yaml:"inheritEnv,omitempty" json:"inheritEnv,omitempty"`

	URL            string            `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ConnectTimeout string            `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	MaxRetries     int               `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" validate:"gte=0"`

	Timeout    string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	LogJSONRPC bool   `yaml:"logJsonRpc,omitempty" json:"logJsonRpc,omitempty"`
}

// Defaults holds manager-wide settings applied to every server.
type Defaults struct {
	Timeout       string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ClientName    string `yaml:"clientName,omitempty" json:"clientName,omitempty"`
	ClientVersion string `yaml:"clientVersion,omitempty" json:"clientVersion,omitempty"`
	LogJSONRPC    bool   `yaml:"logJsonRpc,omitempty" json:"logJsonRpc,omitempty"`
}

// Reconnect mirrors mcpmgr.ReconnectOptions with string durations.
type Reconnect struct {
	MaxRetries   int     `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" validate:"gte=0"`
	InitialDelay string  `yaml:"initialDelay,omitempty" json:"initialDelay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty" validate:"omitempty,gte=1"`
	MaxDelay     string  `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
}

// Health mirrors mcpmgr.HealthOptions. Enabled is a pointer so an omitted
// field keeps probing on.
type Health struct {
	Enabled          *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Interval         string `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout          string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	FailureThreshold int    `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty" validate:"gte=0"`
	Probe            string `yaml:"probe,omitempty" json:"probe,omitempty" validate:"omitempty,oneof=list-tools ping"`
}

// Load reads, expands, and validates the configuration at path. Only
// file-wide problems make it fail; see ServerConfigs for per-server ones.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	f, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	f.ExpandEnv()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes data without expanding or validating it. Unknown fields are
// rejected so typos surface instead of silently disabling a setting.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("error parsing JSON config: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error parsing YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if f.Servers == nil {
		f.Servers = map[string]*Server{}
	}
	return &f, nil
}

// TransportType resolves the effective transport of s, inferring it from the
// populated fields when Type is empty. It returns "" when nothing decides it.
func (s *Server) TransportType() string {
	switch strings.ToLower(s.Type) {
	case TypeStdio:
		return TypeStdio
	case TypeHTTP, TypeStreamable, TypeSSE:
		return TypeHTTP
	case "":
	default:
		return s.Type
	}
	switch {
	case s.Command != "" && s.URL == "":
		return TypeStdio
	case s.URL != "" && s.Command == "":
		return TypeHTTP
	}
	return ""
}
