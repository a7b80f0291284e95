package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/health"
)

func TestIdleReaperStopsIdleService(t *testing.T) {
	d := listeningDescriptor(t, "svc", "true", "false")
	m := New(executor.New(), health.New(executor.New()), nil)
	if err := m.EnsureOnline(context.Background(), d); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	d.IdleTimeout = 10 * time.Millisecond
	// force lastAccessTime stale without touching activeConnections
	d.State.mu.Lock()
	d.State.lastAccessTime = time.Now().Add(-time.Hour)
	d.State.mu.Unlock()

	reg := &Registry{
		descriptors: map[string]*Descriptor{"svc": d},
		order:       []string{"svc"},
		manager:     m,
	}
	reg.reaper = NewIdleReaper(reg, nil)

	reg.reaper.sweep()

	if d.State.Status() != StatusOffline {
		t.Fatalf("expected idle service to be reaped to offline, got %s", d.State.Status())
	}
}

func TestIdleReaperSkipsActiveConnections(t *testing.T) {
	d := listeningDescriptor(t, "svc", "true", "false")
	m := New(executor.New(), health.New(executor.New()), nil)
	if err := m.EnsureOnline(context.Background(), d); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	d.IdleTimeout = 10 * time.Millisecond
	release := d.State.Acquire()
	defer release()
	// force lastAccessTime stale after Acquire (which touches it), so only
	// the active connection can inhibit the reap
	d.State.mu.Lock()
	d.State.lastAccessTime = time.Now().Add(-time.Hour)
	d.State.mu.Unlock()

	reg := &Registry{
		descriptors: map[string]*Descriptor{"svc": d},
		order:       []string{"svc"},
		manager:     m,
	}
	reg.reaper = NewIdleReaper(reg, nil)
	reg.reaper.sweep()

	if d.State.Status() != StatusOnline {
		t.Fatalf("expected active connection to inhibit reap, got %s", d.State.Status())
	}
}

func TestIdleReaperSkipsProxyOnly(t *testing.T) {
	upstream, _ := url.Parse("http://127.0.0.1:1")
	d := &Descriptor{
		Name:        "svc",
		Upstream:    upstream,
		ProxyOnly:   true,
		IdleTimeout: time.Nanosecond,
		State:       NewState(true),
	}
	d.State.mu.Lock()
	d.State.lastAccessTime = time.Now().Add(-time.Hour)
	d.State.mu.Unlock()

	reg := &Registry{
		descriptors: map[string]*Descriptor{"svc": d},
		order:       []string{"svc"},
		manager:     New(executor.New(), health.New(executor.New()), nil),
	}
	reg.reaper = NewIdleReaper(reg, nil)
	reg.reaper.sweep()

	if d.State.Status() != StatusOnline {
		t.Fatalf("expected proxyOnly service to never be reaped, got %s", d.State.Status())
	}
}
