package mcpmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// armPing schedules the next health probe for generation gen. Probes are
// single-shot; the timer is re-armed after each one completes so probes never
// overlap.
func (c *connection) armPing(gen uint64) {
	health := c.m.options.Health
	if health.Disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.stopPing()
	c.state.pingTimer = c.m.after(health.Interval, func() {
		c.post(event{kind: evPingTick, gen: gen})
	})
}

// probe runs one health check. A success clears the failure counter; a run
// of FailuresBeforeDisconnect failures is treated as a disconnection.
func (c *connection) probe() {
	c.mu.Lock()
	c.state.pingTimer = nil
	session := c.session
	gen := c.state.generation
	c.mu.Unlock()
	if session == nil {
		return
	}

	health := c.m.options.Health
	ctx, cancel := context.WithTimeout(c.ctx, health.Timeout)
	err := runProbe(ctx, session, health.Probe)
	cancel()
	if c.ctx.Err() != nil {
		return
	}

	if err == nil {
		c.mu.Lock()
		c.state.consecutivePingFailures = 0
		c.mu.Unlock()
		c.armPing(gen)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Server: c.name, Op: "health probe", Err: err}
	}
	c.mu.Lock()
	c.state.consecutivePingFailures++
	failures := c.state.consecutivePingFailures
	c.mu.Unlock()
	c.logger.Warn("health probe failed", "failures", failures, "threshold", health.FailuresBeforeDisconnect, "error", err)

	if failures >= health.FailuresBeforeDisconnect {
		c.disconnected(&ConnectionError{
			Server: c.name,
			Err:    fmt.Errorf("%d consecutive health probes failed: %w", failures, err),
		})
		return
	}
	c.armPing(gen)
}

// runProbe falls back to ping for servers that do not advertise tools, since
// they may not answer tools/list at all.
func runProbe(ctx context.Context, session *mcp.ClientSession, kind ProbeKind) error {
	if kind == ProbePing || !advertisesTools(session) {
		return session.Ping(ctx, nil)
	}
	// One page is enough to prove the session answers.
	_, err := session.ListTools(ctx, nil)
	return err
}

func advertisesTools(session *mcp.ClientSession) bool {
	init := session.InitializeResult()
	return init == nil || init.Capabilities == nil || init.Capabilities.Tools != nil
}
