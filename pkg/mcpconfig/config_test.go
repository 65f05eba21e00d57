package mcpconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

const sampleYAML = `
servers:
  everything:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-everything"]
    env:
      TOKEN: ${MCPCONFIG_TEST_TOKEN}
    timeout: 45s
  remote:
    url: https://${MCPCONFIG_TEST_HOST}/mcp
    headers:
      Authorization: Bearer ${MCPCONFIG_TEST_TOKEN}
    connectTimeout: 3s
  legacy:
    type: sse
    url: https://legacy.example.com/sse
    disabled: true
defaults:
  timeout: 20s
  clientName: supervisor
reconnect:
  maxRetries: 7
  initialDelay: 1s
  multiplier: 3
  maxDelay: 30s
health:
  enabled: false
  interval: 15s
  failureThreshold: 4
  probe: ping
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("MCPCONFIG_TEST_TOKEN", "s3cret")
	t.Setenv("MCPCONFIG_TEST_HOST", "api.example.com")

	f, err := Load(writeFile(t, "servers.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Servers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(f.Servers))
	}
	if got := f.Servers["everything"].Env["TOKEN"]; got != "s3cret" {
		t.Fatalf("env not expanded: %q", got)
	}
	if got := f.Servers["remote"].URL; got != "https://api.example.com/mcp" {
		t.Fatalf("url not expanded: %q", got)
	}
	if got := f.Servers["remote"].Headers["Authorization"]; got != "Bearer s3cret" {
		t.Fatalf("header not expanded: %q", got)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(`{"servers":{"fs":{"type":"stdio","command":"mcp-fs","args":["/tmp"]}}}`), FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s := f.Servers["fs"]; s.Command != "mcp-fs" || len(s.Args) != 1 {
		t.Fatalf("unexpected server: %+v", s)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte("servers:\n  a:\n    comand: x\n"), FormatYAML); err == nil {
		t.Fatalf("expected YAML typo to be rejected")
	}
	if _, err := Parse([]byte(`{"servers":{},"retries":3}`), FormatJSON); err == nil {
		t.Fatalf("expected unknown JSON field to be rejected")
	}
	if _, err := Parse(nil, "toml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(""), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Servers == nil || len(f.Servers) != 0 {
		t.Fatalf("expected empty non-nil servers, got %#v", f.Servers)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	t.Parallel()

	cases := map[string]Format{
		"a.json": FormatJSON,
		"a.JSON": FormatJSON,
		"a.yaml": FormatYAML,
		"a.yml":  FormatYAML,
		"a":      FormatYAML,
	}
	for path, want := range cases {
		if got := FormatOf(path); got != want {
			t.Fatalf("FormatOf(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestExpandEnvBracesOnly(t *testing.T) {
	t.Setenv("MCPCONFIG_TEST_NAME", "alpha")

	f := &File{Servers: map[string]*Server{
		"s": {Command: "sh", Args: []string{"-c", "echo $HOME ${MCPCONFIG_TEST_NAME}"}},
	}}
	f.ExpandEnv()
	if got := f.Servers["s"].Args[1]; got != "echo $HOME alpha" {
		t.Fatalf("args = %q", got)
	}
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	t.Setenv("MCPCONFIG_TEST_PRESET", "kept")
	path := writeFile(t, ".env", "MCPCONFIG_TEST_PRESET=replaced\nMCPCONFIG_TEST_FRESH=loaded\n")
	t.Cleanup(func() { _ = os.Unsetenv("MCPCONFIG_TEST_FRESH") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("MCPCONFIG_TEST_PRESET"); got != "kept" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("MCPCONFIG_TEST_FRESH"); got != "loaded" {
		t.Fatalf("new variable not loaded: %q", got)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
	if err := LoadEnvFile(); err != nil {
		t.Fatalf("no paths should be a no-op: %v", err)
	}
}

func TestServerConfigProblems(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		server  *Server
		wantErr string
		invalid bool
	}{
		{"stdio ok", &Server{Command: "srv"}, "", false},
		{"http ok", &Server{URL: "https://example.com/mcp"}, "", false},
		{"streamable ok", &Server{Type: "streamable", URL: "https://example.com/mcp"}, "", false},
		{"stdio without command", &Server{Type: "stdio"}, "requires command", true},
		{"http without url", &Server{Type: "http"}, "requires url", true},
		{"ambiguous", &Server{Command: "srv", URL: "https://example.com"}, "disambiguate", true},
		{"empty", &Server{}, "either command or url", true},
		{"stdio with url", &Server{Type: "stdio", Command: "srv", URL: "https://example.com"}, "does not take a url", true},
		{"bad type", &Server{Type: "websocket", URL: "wss://example.com"}, "oneof", true},
		{"nil server", nil, "empty server definition", true},
		{"bad url", &Server{URL: "not a url"}, "url", false},
		{"bad timeout", &Server{Command: "srv", Timeout: "soon"}, "timeout", false},
		{"negative timeout", &Server{Command: "srv", Timeout: "-1s"}, "negative", false},
		{"negative retries", &Server{URL: "https://example.com", MaxRetries: -1}, "gte", false},
	}
	for _, tc := range cases {
		cfg, err := tc.server.ServerConfig()
		if cfg == nil {
			t.Fatalf("%s: config must never be nil", tc.name)
		}
		if _, isInvalid := cfg.(*mcpmgr.InvalidServerConfig); isInvalid != tc.invalid {
			t.Fatalf("%s: got %T, invalid=%v", tc.name, cfg, tc.invalid)
		}
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}

		// A broken entry never fails the file as a whole.
		f := &File{Servers: map[string]*Server{"s": tc.server}}
		if err := f.Validate(); err != nil {
			t.Fatalf("%s: file rejected for a per-server problem: %v", tc.name, err)
		}
	}
}

func TestUnparseableTimeoutFallsBackToDefault(t *testing.T) {
	t.Parallel()

	cfg, err := (&Server{Command: "echo", Timeout: "5x", Disabled: true}).ServerConfig()
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected a timeout problem, got %v", err)
	}
	stdio, ok := mcpmgr.AsStdio(cfg)
	if !ok || stdio.Command != "echo" || stdio.Timeout != 0 || !stdio.Disabled {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	if err := mcpmgr.ValidateServerConfig("s", cfg); err != nil {
		t.Fatalf("fallback config should still be usable: %v", err)
	}
}

func TestLoadKeepsGoodServersBesideBrokenOnes(t *testing.T) {
	t.Parallel()

	f, err := Load(writeFile(t, "servers.yaml", `
servers:
  good:
    url: http://good.test/mcp
  slow:
    type: stdio
    command: echo
    timeout: 5x
  bad:
    type: stdio
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	configs, problems := f.ServerConfigs()
	if len(configs) != 3 {
		t.Fatalf("every entry should be converted, got %v", configs)
	}
	if _, ok := problems["good"]; ok || len(problems) != 2 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if _, ok := mcpmgr.AsHTTP(configs["good"]); !ok {
		t.Fatalf("good should be http, got %T", configs["good"])
	}
	if _, ok := mcpmgr.AsStdio(configs["slow"]); !ok {
		t.Fatalf("slow should stay stdio, got %T", configs["slow"])
	}
	var cfgErr *mcpmgr.ConfigError
	if err := mcpmgr.ValidateServerConfig("bad", configs["bad"]); !errors.As(err, &cfgErr) || !strings.Contains(cfgErr.Reason, "requires command") {
		t.Fatalf("bad should fail as a config error, got %v", err)
	}
}

func TestValidateGlobalSettings(t *testing.T) {
	t.Parallel()

	cases := map[string]*File{
		"interval":   {Health: Health{Interval: "often"}},
		"multiplier": {Reconnect: Reconnect{Multiplier: 0.5}},
		"probe":      {Health: Health{Probe: "initialize"}},
		"delay":      {Reconnect: Reconnect{MaxDelay: "-5s"}},
		"blank name": {Servers: map[string]*Server{" ": {Command: "srv"}}},
	}
	for name, f := range cases {
		if err := f.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestServerConfigs(t *testing.T) {
	t.Setenv("MCPCONFIG_TEST_TOKEN", "tok")
	t.Setenv("MCPCONFIG_TEST_HOST", "api.example.com")

	f, err := Load(writeFile(t, "servers.yml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	configs, problems := f.ServerConfigs()
	if len(problems) != 0 {
		t.Fatalf("ServerConfigs: %v", problems)
	}

	stdio, ok := mcpmgr.AsStdio(configs["everything"])
	if !ok {
		t.Fatalf("everything should be stdio, got %T", configs["everything"])
	}
	if stdio.Command != "npx" || stdio.Timeout != 45*time.Second || stdio.Env["TOKEN"] != "tok" {
		t.Fatalf("unexpected stdio config: %+v", stdio)
	}

	remote, ok := mcpmgr.AsHTTP(configs["remote"])
	if !ok {
		t.Fatalf("remote should be http, got %T", configs["remote"])
	}
	if remote.Endpoint != "https://api.example.com/mcp" || remote.ConnectTimeout != 3*time.Second || remote.Kind != mcpmgr.HTTPKindStreamable {
		t.Fatalf("unexpected http config: %+v", remote)
	}

	legacy, _ := mcpmgr.AsHTTP(configs["legacy"])
	if legacy == nil || legacy.Kind != mcpmgr.HTTPKindSSE || !legacy.Disabled {
		t.Fatalf("unexpected legacy config: %+v", legacy)
	}

	// Converted configs do not share maps with the file.
	f.Servers["everything"].Env["TOKEN"] = "changed"
	if stdio.Env["TOKEN"] != "tok" {
		t.Fatalf("converted config aliases file storage")
	}
}

func TestManagerOptionsOverlay(t *testing.T) {
	t.Setenv("MCPCONFIG_TEST_TOKEN", "tok")
	t.Setenv("MCPCONFIG_TEST_HOST", "api.example.com")

	f, err := Load(writeFile(t, "servers.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	base := mcpmgr.ManagerOptions{
		DefaultClientVersion: "9.9.9",
		Health:               mcpmgr.HealthOptions{Timeout: 2 * time.Second},
	}
	opts, err := f.ManagerOptions(base)
	if err != nil {
		t.Fatalf("ManagerOptions: %v", err)
	}
	if opts.DefaultTimeout != 20*time.Second || opts.DefaultClientName != "supervisor" || opts.DefaultClientVersion != "9.9.9" {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	want := mcpmgr.ReconnectOptions{MaxAttempts: 7, InitialDelay: time.Second, Multiplier: 3, MaxDelay: 30 * time.Second}
	if opts.Reconnect != want {
		t.Fatalf("reconnect = %+v, want %+v", opts.Reconnect, want)
	}
	if !opts.Health.Disabled || opts.Health.Interval != 15*time.Second || opts.Health.Timeout != 2*time.Second ||
		opts.Health.FailuresBeforeDisconnect != 4 || opts.Health.Probe != mcpmgr.ProbePing {
		t.Fatalf("unexpected health options: %+v", opts.Health)
	}
}

func TestManagerOptionsEmptyFileKeepsBase(t *testing.T) {
	t.Parallel()

	base := mcpmgr.ManagerOptions{DefaultTimeout: time.Minute, Reconnect: mcpmgr.ReconnectOptions{MaxAttempts: 2}}
	opts, err := (&File{}).ManagerOptions(base)
	if err != nil {
		t.Fatalf("ManagerOptions: %v", err)
	}
	if opts.DefaultTimeout != time.Minute || opts.Reconnect.MaxAttempts != 2 || opts.Health.Disabled {
		t.Fatalf("empty file changed options: %+v", opts)
	}
}
