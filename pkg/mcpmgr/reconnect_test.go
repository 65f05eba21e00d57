package mcpmgr

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestReconnectBackoffScheduleThenFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ManagerOptions{Health: HealthOptions{Disabled: true}})
	h.reconcile(t, map[string]ServerConfig{"down": httpConfig("http://down.test/mcp")})

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		tm := h.clock.next(t)
		delays = append(delays, tm.delay)
		tm.Fire()
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}

	st := waitState(t, h.manager, "down", statusIs(LifecycleFailed))
	if st.ReconnectAttempts != 5 || st.ReconnectArmed || st.PingArmed {
		t.Fatalf("unexpected failed state: %+v", st)
	}
	h.clock.quiet(t, 100*time.Millisecond)

	s := serverByName(t, h.manager, "down")
	if s.Status != StatusDisconnected {
		t.Fatalf("failed servers report disconnected, got %s", s.Status)
	}
	if n := strings.Count(s.Error, "connection refused"); n != 6 {
		t.Fatalf("expected 6 failures in history, got %d: %q", n, s.Error)
	}
}

func TestReconnectMaxDelayCapsGrowth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ManagerOptions{
		Health:    HealthOptions{Disabled: true},
		Reconnect: ReconnectOptions{MaxAttempts: 4, MaxDelay: 5 * time.Second},
	})
	h.reconcile(t, map[string]ServerConfig{"capped": httpConfig("http://capped.test/mcp")})

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		tm := h.clock.next(t)
		delays = append(delays, tm.delay)
		tm.Fire()
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	waitState(t, h.manager, "capped", statusIs(LifecycleFailed))
}

func TestRestartConnectionRearmsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ManagerOptions{
		Health:    HealthOptions{Disabled: true},
		Reconnect: ReconnectOptions{MaxAttempts: 1},
	})
	h.reconcile(t, map[string]ServerConfig{"svc": httpConfig("http://svc.test/mcp")})
	h.clock.next(t).Fire()
	waitState(t, h.manager, "svc", statusIs(LifecycleFailed))

	// Still unreachable: the restart reports the failure and re-enters backoff
	// from the start.
	err := h.manager.RestartConnection(context.Background(), "svc")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Server != "svc" {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	tm := h.clock.next(t)
	if tm.delay != 2*time.Second {
		t.Fatalf("restart should reset backoff, got %v", tm.delay)
	}
	st, _ := h.manager.ConnectionState("svc")
	if st.Status != LifecycleDisconnected || st.ReconnectAttempts != 0 || !st.ReconnectArmed {
		t.Fatalf("unexpected state after failed restart: %+v", st)
	}

	h.upstreams.add("http://svc.test/mcp", newUpstream("svc", "t"))
	if err := h.manager.RestartConnection(context.Background(), "svc"); err != nil {
		t.Fatalf("RestartConnection: %v", err)
	}
	st, _ = h.manager.ConnectionState("svc")
	if st.Status != LifecycleConnected || st.ReconnectArmed {
		t.Fatalf("restart should connect and cancel the pending timer: %+v", st)
	}
	// The cancelled timer is inert.
	tm.Fire()
	h.clock.quiet(t, 100*time.Millisecond)
	if again, _ := h.manager.ConnectionState("svc"); again.Generation != st.Generation {
		t.Fatalf("stale timer triggered a reconnect: %+v", again)
	}
}

func TestRestartConnectionUnknownServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.manager.RestartConnection(context.Background(), "ghost")
	var unknown *UnknownServerError
	if !errors.As(err, &unknown) || unknown.Server != "ghost" {
		t.Fatalf("expected UnknownServerError, got %v", err)
	}
}

func TestTransportDropTriggersReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &ManagerOptions{Health: HealthOptions{Disabled: true}})
	u := h.upstreams.add("http://crashy.test/mcp", newUpstream("crashy", "t"))
	h.reconcile(t, map[string]ServerConfig{"crashy": httpConfig("http://crashy.test/mcp")})
	first := waitState(t, h.manager, "crashy", isConnected)

	u.dropAll()
	tm := h.clock.next(t)
	if tm.delay != 2*time.Second {
		t.Fatalf("first reconnect delay = %v", tm.delay)
	}
	waitState(t, h.manager, "crashy", statusIs(LifecycleDisconnected))
	if _, err := h.manager.CallTool(context.Background(), "crashy", "t", nil); !isNotConnected(err) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	h.clock.quiet(t, 100*time.Millisecond)

	tm.Fire()
	st := waitState(t, h.manager, "crashy", isConnected)
	if st.Generation != first.Generation+1 || st.ReconnectAttempts != 0 {
		t.Fatalf("unexpected state after reconnect: %+v", st)
	}
	caps, ok := h.manager.Capabilities("crashy")
	if !ok || len(caps.Tools) != 1 {
		t.Fatalf("capabilities after reconnect: %+v", caps)
	}
}

func TestNewBackoffDefaults(t *testing.T) {
	t.Parallel()

	opts := (&ManagerOptions{}).normalized()
	b := newBackoff(opts.Reconnect)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 64 * time.Second}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	b.Reset()
	if d := b.NextBackOff(); d != 2*time.Second {
		t.Fatalf("after reset = %v", d)
	}
}

func isNotConnected(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Err == nil
}
