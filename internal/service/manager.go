package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/health"
	"github.com/2234839/DynaPM/internal/logging"
	"golang.org/x/sync/singleflight"
)

// stopWaitCap is the hard cap a request waits for a stopping->offline
// transition before giving up (spec.md §4.5, §9: "preserves the hard cap
// but marks it as a candidate for configurability").
const stopWaitCap = 30 * time.Second

const stopWaitPoll = 100 * time.Millisecond

// Manager owns start/stop/check of services, guaranteeing at-most-one
// concurrent start per service via a per-name single-flight lock (spec.md
// §4.3), grounded on the teacher's AppManager.GetOrStartApp/startApp pair
// but generalized onto golang.org/x/sync/singleflight instead of the
// teacher's ad-hoc Starting bool + mutex.
type Manager struct {
	exec       *executor.Executor
	prober     *health.Prober
	logger     *slog.Logger
	sink       *logging.Sink
	startGroup singleflight.Group
	stopGroup  singleflight.Group
}

// SetSink wires a logging.Sink that every start/stop command's captured
// stdout/stderr is fanned through, per-line, in addition to the
// exit-code-keyed slog lines Manager already emits on failure (spec.md's
// supplemental "structured per-service log files"). Optional: a nil sink
// (the default) disables this fan-out.
func (m *Manager) SetSink(sink *logging.Sink) {
	m.sink = sink
}

func (m *Manager) logOutput(d *Descriptor, res executor.Result) {
	if m.sink == nil {
		return
	}
	m.sink.Log(d.Name, "stdout", res.Stdout)
	m.sink.Log(d.Name, "stderr", res.Stderr)
}

// New returns a Manager that runs commands through exec and polls readiness
// through prober.
func New(exec *executor.Executor, prober *health.Prober, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{exec: exec, prober: prober, logger: logger}
}

// IsRunning runs commands.check and reports exitCode==0 (spec.md §4.3).
func (m *Manager) IsRunning(ctx context.Context, d *Descriptor) bool {
	return m.exec.Check(ctx, d.Commands.Check, execOpts(d, executor.DefaultTimeout))
}

// EnsureOnline implements the request-triggered half of the Service State
// Machine (spec.md §4.5): it blocks the caller until the descriptor is
// online, triggering a start if offline, joining an in-flight start if
// starting, and waiting out a pending stop if stopping.
func (m *Manager) EnsureOnline(ctx context.Context, d *Descriptor) error {
	if d.ProxyOnly {
		return nil
	}
	for {
		switch d.State.Status() {
		case StatusOnline:
			return nil
		case StatusStopping:
			if err := m.awaitOffline(ctx, d); err != nil {
				return err
			}
			// loop: status is now offline, fall through to start it
		default: // offline or starting: join (or become) the single flight
			_, err, _ := m.startGroup.Do(d.Name, func() (interface{}, error) {
				// A flight that finished just before this call may already
				// have moved the service on; only start from offline.
				if d.State.Status() != StatusOffline {
					return nil, nil
				}
				return nil, m.doStart(d)
			})
			if err != nil {
				return err
			}
			// loop: re-check the status the flight left behind
		}
	}
}

// doStart runs inside the start single-flight: it is executed exactly once
// per flight, regardless of how many callers are waiting on it. It
// deliberately ignores the triggering request's context — an in-flight
// start is never cancelled by a client abort (spec.md §5).
func (m *Manager) doStart(d *Descriptor) error {
	// singleflight.Do guarantees doStart runs at most once per in-flight
	// key; this is that single execution, so the offline->starting
	// transition always succeeds here.
	d.State.markStarting()

	ctx, cancel := context.WithTimeout(context.Background(), d.StartTimeout)
	defer cancel()

	if !m.IsRunning(ctx, d) {
		res := m.exec.Run(ctx, d.Commands.Start, execOpts(d, d.StartTimeout))
		m.logOutput(d, res)
		if res.ExitCode != 0 {
			m.logger.Error("start command failed",
				"service", d.Name, "exitCode", res.ExitCode, "stderr", res.Stderr)
			d.State.markOfflineAfterFailure()
			return ErrStartFailed
		}
	}

	if err := m.prober.WaitHealthy(ctx, d.Name, d.HealthCheck, d.StartTimeout); err != nil {
		m.logger.Error("health check timed out", "service", d.Name, "error", err)
		d.State.markOfflineAfterFailure()
		return ErrHealthTimeout
	}

	d.State.markOnline()
	m.logger.Info("service online", "service", d.Name)
	return nil
}

// Stop runs commands.stop, best-effort: failures are logged but the
// descriptor still transitions to offline so later attempts may retry
// (spec.md §4.3, §7).
func (m *Manager) Stop(d *Descriptor) error {
	if d.ProxyOnly {
		return ErrInvalidTransition
	}
	if !d.State.markStopping() {
		return ErrInvalidTransition
	}
	_, _, _ = m.stopGroup.Do(d.Name, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), executor.DefaultTimeout)
		defer cancel()
		res := m.exec.Run(ctx, d.Commands.Stop, execOpts(d, executor.DefaultTimeout))
		m.logOutput(d, res)
		if res.ExitCode != 0 {
			m.logger.Error("stop command failed",
				"service", d.Name, "exitCode", res.ExitCode, "stderr", res.Stderr)
		}
		d.State.finishStopping()
		m.logger.Info("service offline", "service", d.Name)
		return nil, nil
	})
	return nil
}

// awaitOffline polls up to stopWaitCap for a pending stopping->offline
// transition (spec.md §4.5: "the handler waits, polling up to ~30 s").
func (m *Manager) awaitOffline(ctx context.Context, d *Descriptor) error {
	deadline := time.Now().Add(stopWaitCap)
	for {
		if d.State.Status() != StatusStopping {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStopTimeout
		}
		select {
		case <-ctx.Done():
			return ErrStopTimeout
		case <-time.After(stopWaitPoll):
		}
	}
}

func execOpts(d *Descriptor, timeout time.Duration) executor.Options {
	return executor.Options{
		Cwd:     d.Commands.Cwd,
		Env:     d.Commands.Env,
		Timeout: timeout,
	}
}
