package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/2234839/DynaPM/internal/config"
	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/health"
)

// defaultHealthTimeout mirrors health.defaultHTTPTimeout; kept local since
// the health package does not export it.
const defaultHealthTimeout = 5 * time.Second

// Registry holds every configured service's Descriptor for the process
// lifetime (spec.md §3: "service descriptors are created at startup from
// configuration and live for the process lifetime"), plus the Manager and
// IdleReaper that operate on them.
type Registry struct {
	descriptors map[string]*Descriptor
	order       []string
	manager     *Manager
	reaper      *IdleReaper
}

// NewRegistry builds a Descriptor per configured service, translating the
// config package's wire types into the service package's runtime types.
func NewRegistry(cfg *config.Config, exec *executor.Executor, prober *health.Prober, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptors := make(map[string]*Descriptor, len(cfg.Services))
	order := make([]string, 0, len(cfg.Services))
	for name, svc := range cfg.Services {
		d, err := buildDescriptor(name, svc, cfg)
		if err != nil {
			return nil, err
		}
		descriptors[name] = d
		order = append(order, name)
	}
	sort.Strings(order)

	reg := &Registry{descriptors: descriptors, order: order}
	reg.manager = New(exec, prober, logger)
	reg.reaper = NewIdleReaper(reg, logger)
	return reg, nil
}

func buildDescriptor(name string, svc *config.ServiceConfig, cfg *config.Config) (*Descriptor, error) {
	upstream, err := url.Parse(svc.Base)
	if err != nil {
		return nil, fmt.Errorf("service %q: invalid base URL: %w", name, err)
	}

	routes, err := buildRoutes(name, svc, cfg)
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		Name:         name,
		Upstream:     upstream,
		Commands:     svc.Commands,
		HealthCheck:  buildHealthCheck(svc.HealthCheck, upstream, svc.StartTimeout()),
		IdleTimeout:  svc.IdleTimeout(),
		StartTimeout: svc.StartTimeout(),
		ProxyOnly:    svc.ProxyOnly,
		Routes:       routes,
		State:        NewState(svc.ProxyOnly),
	}, nil
}

func buildRoutes(name string, svc *config.ServiceConfig, cfg *config.Config) ([]Route, error) {
	raw := cfg.EffectiveRoutes(name)
	routes := make([]Route, 0, len(raw))
	for _, r := range raw {
		target, err := url.Parse(r.Target)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid route target %q: %w", name, r.Target, err)
		}
		routes = append(routes, Route{Kind: r.Kind, Value: r.Value, Target: target})
	}
	return routes, nil
}

func buildHealthCheck(hc config.HealthCheckConfig, upstream *url.URL, startTimeout time.Duration) health.Check {
	return health.Check{
		Type:           health.CheckType(hc.Type),
		Upstream:       upstream,
		URL:            hc.URL,
		ExpectedStatus: hc.ExpectedStatus,
		Command:        hc.Command,
		Timeout:        hc.Timeout(defaultHealthTimeout),
	}
}

// Get returns the named descriptor.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns every descriptor, ordered by name for deterministic iteration.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}
	return out
}

// Manager returns the Service Manager operating on this registry's
// descriptors.
func (r *Registry) Manager() *Manager {
	return r.manager
}

// RunReaper blocks running the idle reaper; call in its own goroutine.
func (r *Registry) RunReaper() {
	r.reaper.Run()
}

// StopReaper halts the idle reaper.
func (r *Registry) StopReaper() {
	r.reaper.Stop()
}

// Shutdown stops every non-proxyOnly service currently online or starting,
// concurrently and best-effort (spec.md §3: "on graceful shutdown, every
// non-proxy-only service in {online, starting} is stopped").
func (r *Registry) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range r.All() {
		if d.ProxyOnly {
			continue
		}
		status := d.State.Status()
		if status != StatusOnline && status != StatusStarting {
			continue
		}
		wg.Add(1)
		go func(d *Descriptor) {
			defer wg.Done()
			if d.State.Status() == StatusStarting {
				_ = r.manager.EnsureOnline(ctx, d)
			}
			if d.State.Status() == StatusOnline {
				_ = r.manager.Stop(d)
			}
		}(d)
	}
	wg.Wait()
}
