package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	mcpgateway "github.com/vikashloomba/mcp-supervisor-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		wait    time.Duration
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect once, print every server's status and capabilities, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			if err != nil {
				return err
			}
			manager, _, err := loadManager(flags.configPath, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := manager.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = manager.Stop(stopCtx)
			}()

			waitSettled(ctx, manager, wait)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mcpgateway.NewStatusReport(manager.Snapshot()))
			}
			return printStatus(cmd.OutOrStdout(), manager, verbose)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for connections to settle")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list tool and resource names")
	return cmd
}

// waitSettled returns once every server has finished its first connection
// attempt, or when wait elapses.
func waitSettled(ctx context.Context, manager *mcpmgr.Manager, wait time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if settled(manager) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func settled(manager *mcpmgr.Manager) bool {
	for _, s := range manager.Servers() {
		st, ok := manager.ConnectionState(s.Name)
		if !ok {
			continue
		}
		switch st.Status {
		case mcpmgr.LifecycleConnected, mcpmgr.LifecycleFailed:
		case mcpmgr.LifecycleDisconnected:
			if st.LastError == "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func printStatus(w io.Writer, manager *mcpmgr.Manager, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tTOOLS\tRESOURCES\tTEMPLATES\tLAST ERROR")
	for _, s := range manager.Servers() {
		lastErr := ""
		if st, ok := manager.ConnectionState(s.Name); ok {
			lastErr = firstLine(st.LastError)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", s.Name, s.Status, len(s.Tools), len(s.Resources), len(s.ResourceTemplates), lastErr)
		if verbose {
			for _, t := range s.Tools {
				fmt.Fprintf(tw, "  tool\t%s\t\t\t\t\n", t.Name)
			}
			for _, r := range s.Resources {
				fmt.Fprintf(tw, "  resource\t%s\t\t\t\t\n", r.URI)
			}
			for _, r := range s.ResourceTemplates {
				fmt.Fprintf(tw, "  template\t%s\t\t\t\t\n", r.URITemplate)
			}
		}
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
