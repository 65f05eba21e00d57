package main

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpconfig"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "mcpsupervisor",
		Short: "Supervise MCP server connections",
		Long: `mcpsupervisor connects to every MCP server listed in a configuration file,
keeps the connections healthy, reconnects with exponential backoff, and can
expose all of them through a single Streamable HTTP gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return mcpconfig.LoadEnvFile(flags.envFiles...)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "mcpservers.yaml", "path to the server configuration file (YAML or JSON)")
	pf.StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files loaded before the configuration is expanded")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(newRunCmd(flags), newValidateCmd(flags), newStatusCmd(flags))
	return root
}

// newLogger builds the process logger from the --log-level and --log-format
// flags.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// loadManager reads the configuration and builds an unstarted manager from it.
// Broken server entries are logged and handed to the manager, which keeps
// them failed without touching the others.
func loadManager(path string, logger *slog.Logger) (*mcpmgr.Manager, *mcpconfig.File, error) {
	file, err := mcpconfig.Load(path)
	if err != nil {
		return nil, nil, err
	}
	cfgs, problems := file.ServerConfigs()
	logProblems(logger, problems)
	opts, err := file.ManagerOptions(mcpmgr.ManagerOptions{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return mcpmgr.NewManager(cfgs, &opts), file, nil
}

func logProblems(logger *slog.Logger, problems map[string]error) {
	for _, name := range slices.Sorted(maps.Keys(problems)) {
		logger.Warn("server config problem", "server", name, "error", problems[name])
	}
}
