package service

import (
	"context"
	"testing"

	"github.com/2234839/DynaPM/internal/config"
	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/health"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Host: "127.0.0.1",
		Port: 3000,
		Services: map[string]*config.ServiceConfig{
			"a.test": {
				Base:     "http://127.0.0.1:9001",
				Commands: config.CommandsConfig{Start: "true", Stop: "true", Check: "false"},
			},
			"proxy-only": {
				Base:      "http://127.0.0.1:9002",
				ProxyOnly: true,
			},
		},
	}
	return cfg
}

func TestNewRegistryBuildsDescriptorsFromConfig(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(cfg, executor.New(), health.New(executor.New()), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, ok := reg.Get("a.test")
	if !ok {
		t.Fatal("expected descriptor for a.test")
	}
	if d.Upstream.String() != "http://127.0.0.1:9001" {
		t.Errorf("unexpected upstream: %s", d.Upstream)
	}
	if len(d.Routes) != 1 || d.Routes[0].Kind != "host" || d.Routes[0].Value != "a.test" {
		t.Errorf("expected a single derived hostname route, got %+v", d.Routes)
	}
	if d.State.Status() != StatusOffline {
		t.Errorf("expected a.test to start offline, got %s", d.State.Status())
	}

	po, ok := reg.Get("proxy-only")
	if !ok {
		t.Fatal("expected descriptor for proxy-only")
	}
	if po.State.Status() != StatusOnline {
		t.Errorf("expected proxyOnly service to start online, got %s", po.State.Status())
	}

	if len(reg.All()) != 2 {
		t.Errorf("expected 2 descriptors, got %d", len(reg.All()))
	}
}

func TestRegistryShutdownStopsOnlineServices(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(cfg, executor.New(), health.New(executor.New()), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, _ := reg.Get("a.test")
	d.State.setStatus(StatusOnline)
	d.State.mu.Lock()
	d.State.startTime = d.State.lastAccessTime
	d.State.mu.Unlock()

	reg.Shutdown(context.Background())

	if d.State.Status() != StatusOffline {
		t.Fatalf("expected a.test stopped on shutdown, got %s", d.State.Status())
	}

	po, _ := reg.Get("proxy-only")
	if po.State.Status() != StatusOnline {
		t.Fatalf("expected proxyOnly service untouched by shutdown, got %s", po.State.Status())
	}
}
