// Package health implements the Health Prober (spec.md §4.2): tcp, http,
// command and none readiness checks, polled by WaitHealthy until the
// service's startTimeout elapses.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/2234839/DynaPM/internal/executor"
)

const (
	tcpProbeTimeout    = 150 * time.Millisecond
	defaultHTTPTimeout = 5 * time.Second
	defaultHTTPStatus  = 200
	pollDelay          = 50 * time.Millisecond
)

// CheckType enumerates the supported probe variants.
type CheckType string

const (
	CheckTCP     CheckType = "tcp"
	CheckHTTP    CheckType = "http"
	CheckCommand CheckType = "command"
	CheckNone    CheckType = "none"
)

// Check describes a single service's configured health probe.
type Check struct {
	Type           CheckType
	Upstream       *url.URL // canonical upstream, used as fallback target
	URL            string   // http: overrides Upstream when set
	ExpectedStatus int      // http: defaults to 200
	Command        string   // command: shell string, run via Executor
	Timeout        time.Duration
}

// ErrStartupTimeout is returned by WaitHealthy when startTimeout elapses
// before a probe succeeds.
type ErrStartupTimeout struct {
	Service string
	Elapsed time.Duration
}

func (e *ErrStartupTimeout) Error() string {
	return fmt.Sprintf("startup timeout: service %q not healthy after %s", e.Service, e.Elapsed)
}

// Prober runs probes for services and polls them to readiness.
type Prober struct {
	exec   *executor.Executor
	client *http.Client
}

// New returns a Prober that shells out through exec for command checks and
// uses its own bounded-timeout http.Client for http checks.
func New(exec *executor.Executor) *Prober {
	return &Prober{
		exec:   exec,
		client: &http.Client{},
	}
}

// WaitHealthy polls check until it succeeds or startTimeout elapses. Each
// attempt is independent and side-effect free on failure; the TCP variant
// paces itself via its own short connect timeout, while http/command
// variants sleep pollDelay between attempts (spec.md §4.2).
func (p *Prober) WaitHealthy(ctx context.Context, serviceName string, check Check, startTimeout time.Duration) error {
	if check.Type == CheckNone {
		return nil
	}

	deadline := time.Now().Add(startTimeout)
	for {
		ok, _ := p.probeOnce(ctx, check)
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &ErrStartupTimeout{Service: serviceName, Elapsed: startTimeout}
		}
		if check.Type != CheckTCP {
			select {
			case <-ctx.Done():
				return &ErrStartupTimeout{Service: serviceName, Elapsed: startTimeout}
			case <-time.After(pollDelay):
			}
		}
	}
}

// probeOnce runs a single probe attempt.
func (p *Prober) probeOnce(ctx context.Context, check Check) (bool, error) {
	switch check.Type {
	case CheckTCP:
		return p.probeTCP(check)
	case CheckHTTP:
		return p.probeHTTP(ctx, check)
	case CheckCommand:
		return p.probeCommand(ctx, check)
	case CheckNone, "":
		return true, nil
	default:
		return false, fmt.Errorf("unknown health check type %q", check.Type)
	}
}

func (p *Prober) probeTCP(check Check) (bool, error) {
	host, port, err := tcpTarget(check.Upstream)
	if err != nil {
		return false, err
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), tcpProbeTimeout)
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}

// tcpTarget derives host/port from the upstream URL, defaulting the port to
// 80/443 by scheme when unspecified, per spec.md §4.2.
func tcpTarget(upstream *url.URL) (string, string, error) {
	if upstream == nil {
		return "", "", fmt.Errorf("no upstream configured for tcp health check")
	}
	host := upstream.Hostname()
	port := upstream.Port()
	if port == "" {
		if upstream.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port, nil
}

func (p *Prober) probeHTTP(ctx context.Context, check Check) (bool, error) {
	target := check.URL
	if target == "" && check.Upstream != nil {
		target = check.Upstream.String()
	}
	if target == "" {
		return false, fmt.Errorf("no URL configured for http health check")
	}

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	expected := check.ExpectedStatus
	if expected == 0 {
		expected = defaultHTTPStatus
	}
	return resp.StatusCode == expected, nil
}

func (p *Prober) probeCommand(ctx context.Context, check Check) (bool, error) {
	if check.Command == "" {
		return false, fmt.Errorf("no command configured for command health check")
	}
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}
	res := p.exec.Run(ctx, check.Command, executor.Options{Timeout: timeout})
	return res.ExitCode == 0, nil
}
