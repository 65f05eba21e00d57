package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/spf13/cobra"
	mcpgateway "github.com/vikashloomba/mcp-supervisor-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpconfig"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

const stopTimeout = 10 * time.Second

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		watch       bool
		gatewayAddr string
		gatewayPath string
		tokenEnv    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured servers and keep them connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			if err != nil {
				return err
			}
			opts := &mcpgateway.Options{Addr: gatewayAddr, Path: gatewayPath, Logger: logger}
			if tokenEnv != "" {
				token := os.Getenv(tokenEnv)
				if token == "" {
					return fmt.Errorf("--gateway-token-env: %s is empty", tokenEnv)
				}
				opts.TokenVerifier = staticTokenVerifier(token)
			}
			return run(cmd.Context(), logger, flags.configPath, watch, opts)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reconcile the server set whenever the configuration file changes")
	cmd.Flags().StringVar(&gatewayAddr, "gateway-addr", "", "serve every connected server through one MCP endpoint on this address")
	cmd.Flags().StringVar(&gatewayPath, "gateway-path", "/mcp", "HTTP path of the gateway endpoint")
	cmd.Flags().StringVar(&tokenEnv, "gateway-token-env", "", "require this environment variable's value as a bearer token on the gateway")
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, path string, watch bool, gatewayOpts *mcpgateway.Options) error {
	manager, _, err := loadManager(path, logger)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := manager.Stop(stopCtx); err != nil {
			logger.Warn("manager stop", "error", err)
		}
	}()

	manager.OnServerRemoved(func(name string) {
		logger.Info("server removed", "server", name)
	})

	errCh := make(chan error, 2)
	if watch {
		go func() {
			err := mcpconfig.Watch(ctx, path, func(f *mcpconfig.File, err error) {
				applyReload(ctx, logger, manager, f, err)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}
	if gatewayOpts != nil && gatewayOpts.Addr != "" {
		gateway, err := mcpgateway.NewGateway(manager, gatewayOpts)
		if err != nil {
			return err
		}
		defer gateway.Close()
		go func() {
			if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// staticTokenVerifier accepts exactly one bearer token.
func staticTokenVerifier(want string) auth.TokenVerifier {
	return func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}

// applyReload reconciles the manager with a reloaded configuration. Global
// reconnect and health settings only take effect on restart.
func applyReload(ctx context.Context, logger *slog.Logger, manager *mcpmgr.Manager, f *mcpconfig.File, err error) {
	if err != nil {
		logger.Warn("config reload rejected", "error", err)
		return
	}
	cfgs, problems := f.ServerConfigs()
	logProblems(logger, problems)
	res, err := manager.Reconcile(ctx, cfgs)
	if err != nil {
		logger.Warn("config reload failed", "error", err)
		return
	}
	for name, cfgErr := range res.Errors {
		if _, logged := problems[name]; !logged {
			logger.Warn("server config invalid", "server", name, "error", cfgErr)
		}
	}
	if res.Changed() {
		logger.Info("config reloaded", "result", res.String())
	}
}
