package mcpconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

// ServerConfigs converts the file's servers into the desired set accepted by
// mcpmgr.Manager.Reconcile. Every named entry is converted, including broken
// ones, so the manager can isolate them; problems holds what was wrong with
// each entry that had any.
func (f *File) ServerConfigs() (configs map[string]mcpmgr.ServerConfig, problems map[string]error) {
	configs = make(map[string]mcpmgr.ServerConfig, len(f.Servers))
	problems = make(map[string]error)
	for name, s := range f.Servers {
		if strings.TrimSpace(name) == "" {
			continue
		}
		cfg, err := s.ServerConfig()
		configs[name] = cfg
		if err != nil {
			problems[name] = err
		}
	}
	return configs, problems
}

// ServerConfig converts a single entry. The returned config is never nil:
// an entry whose transport cannot be resolved becomes an
// *mcpmgr.InvalidServerConfig, and a duration that does not parse is left
// at zero so the manager default applies. The error lists every problem
// found.
func (s *Server) ServerConfig() (mcpmgr.ServerConfig, error) {
	if s == nil {
		return &mcpmgr.InvalidServerConfig{Reason: "empty server definition"}, errors.New("empty server definition")
	}
	var problems []error
	if err := structValidator.Struct(s); err != nil {
		problems = append(problems, err)
	}
	duration := func(field, value string) time.Duration {
		d, err := parseDuration(value)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", field, err))
		}
		return d
	}
	base := mcpmgr.BaseServerConfig{
		Timeout:    duration("timeout", s.Timeout),
		Disabled:   s.Disabled,
		LogJSONRPC: s.LogJSONRPC,
	}
	if err := s.validateTransport(); err != nil {
		problems = append(problems, err)
		return &mcpmgr.InvalidServerConfig{BaseServerConfig: base, Reason: err.Error()}, errors.Join(problems...)
	}

	if s.TransportType() == TypeStdio {
		return &mcpmgr.StdioServerConfig{
			BaseServerConfig: base,
			Command:          s.Command,
			Args:             append([]string(nil), s.Args...),
			Env:              copyMap(s.Env),
			Dir:              s.Dir,
			InheritEnv:       s.InheritEnv,
		}, errors.Join(problems...)
	}
	kind := mcpmgr.HTTPKindStreamable
	if strings.EqualFold(s.Type, TypeSSE) {
		kind = mcpmgr.HTTPKindSSE
	}
	return &mcpmgr.HTTPServerConfig{
		BaseServerConfig: base,
		Endpoint:         s.URL,
		Kind:             kind,
		Headers:          copyMap(s.Headers),
		ConnectTimeout:   duration("connectTimeout", s.ConnectTimeout),
		MaxRetries:       max(s.MaxRetries, 0),
	}, errors.Join(problems...)
}

// ManagerOptions overlays the file's global settings on base. Fields the
// file leaves unset keep base's values; the logger, RPC logger, and
// transport factory always come from base.
func (f *File) ManagerOptions(base mcpmgr.ManagerOptions) (mcpmgr.ManagerOptions, error) {
	opts := base
	var err error
	if opts.DefaultTimeout, err = overlay(opts.DefaultTimeout, f.Defaults.Timeout); err != nil {
		return base, fmt.Errorf("defaults.timeout: %w", err)
	}
	if f.Defaults.ClientName != "" {
		opts.DefaultClientName = f.Defaults.ClientName
	}
	if f.Defaults.ClientVersion != "" {
		opts.DefaultClientVersion = f.Defaults.ClientVersion
	}
	opts.DefaultLogJSONRPC = opts.DefaultLogJSONRPC || f.Defaults.LogJSONRPC

	if f.Reconnect.MaxRetries > 0 {
		opts.Reconnect.MaxAttempts = f.Reconnect.MaxRetries
	}
	if f.Reconnect.Multiplier > 0 {
		opts.Reconnect.Multiplier = f.Reconnect.Multiplier
	}
	if opts.Reconnect.InitialDelay, err = overlay(opts.Reconnect.InitialDelay, f.Reconnect.InitialDelay); err != nil {
		return base, fmt.Errorf("reconnect.initialDelay: %w", err)
	}
	if opts.Reconnect.MaxDelay, err = overlay(opts.Reconnect.MaxDelay, f.Reconnect.MaxDelay); err != nil {
		return base, fmt.Errorf("reconnect.maxDelay: %w", err)
	}

	if f.Health.Enabled != nil {
		opts.Health.Disabled = !*f.Health.Enabled
	}
	if opts.Health.Interval, err = overlay(opts.Health.Interval, f.Health.Interval); err != nil {
		return base, fmt.Errorf("health.interval: %w", err)
	}
	if opts.Health.Timeout, err = overlay(opts.Health.Timeout, f.Health.Timeout); err != nil {
		return base, fmt.Errorf("health.timeout: %w", err)
	}
	if f.Health.FailureThreshold > 0 {
		opts.Health.FailuresBeforeDisconnect = f.Health.FailureThreshold
	}
	if f.Health.Probe != "" {
		opts.Health.Probe = mcpmgr.ProbeKind(f.Health.Probe)
	}
	return opts, nil
}

func overlay(current time.Duration, value string) (time.Duration, error) {
	if value == "" {
		return current, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return current, err
	}
	return d, nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
