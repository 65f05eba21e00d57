package mcpconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile adds the variables from the given dotenv files to the process
// environment. Variables that are already set win over the file.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ExpandEnv replaces ${VAR} references in commands, arguments, env values,
// urls, and headers with values from the process environment. Plain $VAR is
// left alone so shell snippets in args survive.
func (f *File) ExpandEnv() {
	for _, s := range f.Servers {
		if s == nil {
			continue
		}
		s.Command = expandEnvVar(s.Command)
		s.Args = expandSlice(s.Args)
		s.Env = expandMap(s.Env)
		s.Dir = expandEnvVar(s.Dir)
		s.URL = expandEnvVar(s.URL)
		s.Headers = expandMap(s.Headers)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVar(value string) string {
	if !strings.Contains(value, "${") {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func expandSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = expandEnvVar(v)
	}
	return out
}

// Keys are not expanded.
func expandMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expandEnvVar(v)
	}
	return out
}
