package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxListPages bounds pagination against servers that keep returning
// cursors.
const maxListPages = 1000

// fetchCapabilities lists tools, resources, and resource templates. Each kind
// is fetched independently: a failure in one is logged and leaves that kind
// empty without affecting the others. Kinds the server does not advertise
// are skipped.
func (m *Manager) fetchCapabilities(ctx context.Context, serverID string, session *mcp.ClientSession, timeout time.Duration) CapabilitySet {
	caps := emptyCapabilities()
	var advertised *mcp.ServerCapabilities
	if init := session.InitializeResult(); init != nil {
		advertised = init.Capabilities
	}
	logger := m.options.Logger.With("server", serverID)

	if advertised == nil || advertised.Tools != nil {
		fctx, cancel := withTimeout(ctx, timeout)
		tools, err := listAllTools(fctx, session)
		cancel()
		if err != nil {
			logCapabilityError(logger, "tools/list", err)
		} else {
			caps.Tools = tools
		}
	}
	if advertised == nil || advertised.Resources != nil {
		fctx, cancel := withTimeout(ctx, timeout)
		resources, err := listAllResources(fctx, session)
		cancel()
		if err != nil {
			logCapabilityError(logger, "resources/list", err)
		} else {
			caps.Resources = resources
		}

		fctx, cancel = withTimeout(ctx, timeout)
		templates, err := listAllResourceTemplates(fctx, session)
		cancel()
		if err != nil {
			logCapabilityError(logger, "resources/templates/list", err)
		} else {
			caps.ResourceTemplates = templates
		}
	}
	return caps
}

// refreshCapabilities refetches capabilities after a list-changed
// notification and replaces the stored set wholesale.
func (c *connection) refreshCapabilities() {
	session := c.currentSession()
	if session == nil {
		return
	}
	caps := c.m.fetchCapabilities(c.ctx, c.name, session, c.m.callTimeout(c.config()))
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	c.server.Tools = caps.Tools
	c.server.Resources = caps.Resources
	c.server.ResourceTemplates = caps.ResourceTemplates
	c.mu.Unlock()
	c.logger.Info("capabilities refreshed",
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"templates", len(caps.ResourceTemplates))
	c.m.refreshSnapshot()
}

func logCapabilityError(logger *slog.Logger, method string, err error) {
	if isMethodUnavailableError(err) {
		logger.Debug("capability not supported", "method", method)
		return
	}
	logger.Warn("capability fetch failed", "method", method, "error", err)
}

func listAllTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	out := []*mcp.Tool{}
	params := &mcp.ListToolsParams{}
	seen := map[string]bool{}
	for page := 0; page < maxListPages; page++ {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("tools/list: cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = true
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxListPages)
}

func listAllResources(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Resource, error) {
	out := []*mcp.Resource{}
	params := &mcp.ListResourcesParams{}
	seen := map[string]bool{}
	for page := 0; page < maxListPages; page++ {
		res, err := session.ListResources(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Resources...)
		if res.NextCursor == "" {
			return out, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("resources/list: cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = true
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
	return nil, fmt.Errorf("resources/list: more than %d pages", maxListPages)
}

func listAllResourceTemplates(ctx context.Context, session *mcp.ClientSession) ([]*mcp.ResourceTemplate, error) {
	out := []*mcp.ResourceTemplate{}
	params := &mcp.ListResourceTemplatesParams{}
	seen := map[string]bool{}
	for page := 0; page < maxListPages; page++ {
		res, err := session.ListResourceTemplates(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.ResourceTemplates...)
		if res.NextCursor == "" {
			return out, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("resources/templates/list: cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = true
		params = &mcp.ListResourceTemplatesParams{Cursor: res.NextCursor}
	}
	return nil, fmt.Errorf("resources/templates/list: more than %d pages", maxListPages)
}

// isMethodUnavailableError reports whether err looks like a server rejecting
// a method it does not implement.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"method not found",
		"-32601",
		"not implemented",
		"unimplemented",
		"unsupported",
		"does not support",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
