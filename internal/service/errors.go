package service

import "errors"

// Sentinel errors matching the client-visible error taxonomy of spec.md §7.
var (
	// ErrStartFailed is returned when commands.start exits non-zero.
	ErrStartFailed = errors.New("service: start command failed")
	// ErrHealthTimeout is returned when the Health Prober's startTimeout
	// elapses before a probe succeeds.
	ErrHealthTimeout = errors.New("service: health check timed out")
	// ErrStopTimeout is returned when a caller waiting on a stopping->offline
	// transition exceeds the hard wait cap.
	ErrStopTimeout = errors.New("service: stop wait timed out")
	// ErrNotFound is returned by the Registry for an unknown service name.
	ErrNotFound = errors.New("service: not found")
	// ErrInvalidTransition is returned by Manager.Stop when the service is
	// proxyOnly or not online.
	ErrInvalidTransition = errors.New("service: invalid state transition")
)
