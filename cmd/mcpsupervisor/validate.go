package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpconfig"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := mcpconfig.Load(flags.configPath)
			if err != nil {
				return err
			}
			cfgs, problems := file.ServerConfigs()
			var errs []error
			for _, name := range slices.Sorted(maps.Keys(cfgs)) {
				cfg := cfgs[name]
				if p := problems[name]; p != nil {
					errs = append(errs, fmt.Errorf("server %q: %w", name, p))
					continue
				}
				if err := mcpmgr.ValidateServerConfig(name, cfg); err != nil {
					errs = append(errs, err)
					continue
				}
				state := "enabled"
				if cfg != nil && isDisabled(cfg) {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-6s %s\n", name, mcpmgr.TransportOf(cfg), state)
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			if _, err := file.ManagerOptions(mcpmgr.ManagerOptions{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d servers ok\n", flags.configPath, len(cfgs))
			return nil
		},
	}
}

func isDisabled(cfg mcpmgr.ServerConfig) bool {
	if c, ok := mcpmgr.AsStdio(cfg); ok {
		return c.Disabled
	}
	if c, ok := mcpmgr.AsHTTP(cfg); ok {
		return c.Disabled
	}
	return false
}
