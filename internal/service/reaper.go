package service

import (
	"log/slog"
	"sync"
	"time"
)

// idleTickInterval is the idle reaper's sweep period (spec.md §4.8: "a
// ticker fires every ~3 s").
const idleTickInterval = 3 * time.Second

// IdleReaper periodically stops services that have been idle (zero active
// connections, last access older than idleTimeout) for longer than their
// configured window, grounded on the teacher's AppManager.IdleChecker but
// generalized to sweep all eligible services concurrently rather than
// serially under a single mutex hold.
type IdleReaper struct {
	registry *Registry
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewIdleReaper returns a reaper bound to registry; call Run to start it.
func NewIdleReaper(registry *Registry, logger *slog.Logger) *IdleReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleReaper{
		registry: registry,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping every idleTickInterval until Stop is called.
func (r *IdleReaper) Run() {
	defer close(r.done)
	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Stop halts the reaper and waits for the current sweep to finish.
func (r *IdleReaper) Stop() {
	close(r.stop)
	<-r.done
}

// sweep inspects every descriptor and stops the eligible ones concurrently;
// a service being stopped does not block the sweep of another (spec.md
// §4.8: "all eligible services are handled concurrently").
func (r *IdleReaper) sweep() {
	var wg sync.WaitGroup
	for _, d := range r.registry.All() {
		if d.ProxyOnly {
			continue
		}
		snap := d.State.Snapshot()
		if snap.Status != StatusOnline {
			continue
		}
		if snap.ActiveConnections != 0 {
			continue
		}
		if time.Since(snap.LastAccessTime) <= d.IdleTimeout {
			continue
		}

		wg.Add(1)
		go func(d *Descriptor) {
			defer wg.Done()
			r.logger.Info("idle reap", "service", d.Name, "idleFor", time.Since(snap.LastAccessTime))
			if err := r.registry.Manager().Stop(d); err != nil {
				r.logger.Error("idle reap stop failed", "service", d.Name, "error", err)
			}
		}(d)
	}
	wg.Wait()
}
