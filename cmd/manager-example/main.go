// Command manager-example embeds an mcpmgr.Manager directly, without a
// configuration file, and prints every snapshot it produces.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	manager := mcpmgr.NewManager(map[string]mcpmgr.ServerConfig{
		"everything": &mcpmgr.StdioServerConfig{
			BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: 10 * time.Second},
			Command:          "npx",
			Args:             []string{"-y", "@modelcontextprotocol/server-everything"},
		},
	}, &mcpmgr.ManagerOptions{
		DefaultClientName: "manager-example",
		Logger:            logger,
		Reconnect:         mcpmgr.ReconnectOptions{MaxAttempts: 3, MaxDelay: 10 * time.Second},
	})

	manager.OnSnapshot(func(snap mcpmgr.ProviderSnapshot) {
		for name, entry := range snap.Servers {
			fmt.Printf("snapshot v%d: %s %s (tools=%d resources=%d)\n",
				snap.Version, name, entry.Status, len(entry.Tools), len(entry.Resources))
		}
	})

	if err := manager.Start(ctx); err != nil {
		logger.Error("start", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Warn("stop", "error", err)
	}
}
