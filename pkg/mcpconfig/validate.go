package mcpconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings that apply to the whole file: struct tags on
// the global sections, non-blank server names, and global durations. Server
// entries are checked one at a time by ServerConfigs so a broken entry never
// hides the others.
func (f *File) Validate() error {
	if err := structValidator.Struct(f); err != nil {
		return fmt.Errorf("invalid configuration file: %w", err)
	}

	var errs []error
	for name := range f.Servers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("server name must not be blank"))
		}
	}

	durations := []struct{ field, value string }{
		{"defaults.timeout", f.Defaults.Timeout},
		{"reconnect.initialDelay", f.Reconnect.InitialDelay},
		{"reconnect.maxDelay", f.Reconnect.MaxDelay},
		{"health.interval", f.Health.Interval},
		{"health.timeout", f.Health.Timeout},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.field, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration file: %w", err)
	}
	return nil
}

// validateTransport checks that s resolves to exactly one transport with its
// required field.
func (s *Server) validateTransport() error {
	switch s.TransportType() {
	case TypeStdio:
		if strings.TrimSpace(s.Command) == "" {
			return errors.New("stdio transport requires command")
		}
		if s.URL != "" {
			return errors.New("stdio transport does not take a url")
		}
	case TypeHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("%s transport requires url", strings.ToLower(s.Type))
		}
		if s.Command != "" {
			return errors.New("http transport does not take a command")
		}
	case "":
		if s.Command != "" && s.URL != "" {
			return errors.New("both command and url set; add type to disambiguate")
		}
		return errors.New("either command or url is required")
	default:
		return fmt.Errorf("unsupported transport type %q", s.Type)
	}
	return nil
}

// parseDuration treats an empty string as unset.
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}
