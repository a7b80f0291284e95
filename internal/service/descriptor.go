// Package service implements the Service Manager and Service State Machine
// (spec.md §4.3, §4.5): per-service start/stop/check, single-flight start
// coordination, and the offline/starting/online/stopping lifecycle.
package service

import (
	"net/url"
	"sync"
	"time"

	"github.com/2234839/DynaPM/internal/config"
	"github.com/2234839/DynaPM/internal/health"
)

// Status is one of the Service State Machine's four states.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusOnline   Status = "online"
	StatusStopping Status = "stopping"
)

// Route is a resolved ingress binding: either a hostname or a port, pointing
// at a (possibly service-specific) upstream target.
type Route struct {
	Kind   string // "host" or "port"
	Value  string
	Target *url.URL
}

// Descriptor is the immutable configuration half of a Service Descriptor
// (spec.md §3); its mutable half is State.
type Descriptor struct {
	Name         string
	Upstream     *url.URL
	Commands     config.CommandsConfig
	HealthCheck  health.Check
	IdleTimeout  time.Duration
	StartTimeout time.Duration
	ProxyOnly    bool
	Routes       []Route

	State *State
}

// State is the mutable runtime half of a Service Descriptor. All fields are
// guarded by mu; callers must not read or write them directly (spec.md §9:
// "a small, clearly-fielded record guarded by a mutex").
type State struct {
	mu                sync.RWMutex
	status            Status
	lastAccessTime    time.Time
	activeConnections int
	startTime         time.Time
	startCount        int
	totalUptime       time.Duration
}

// NewState returns a State in offline, or online if proxyOnly (spec.md §3:
// "proxyOnly services start in online and never leave it").
func NewState(proxyOnly bool) *State {
	s := &State{status: StatusOffline, lastAccessTime: time.Now()}
	if proxyOnly {
		s.status = StatusOnline
		s.startTime = time.Now()
	}
	return s
}

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Touch updates lastAccessTime; called before any blocking work on an
// inbound request (spec.md §4.5: "any inbound request updates lastAccessTime
// before any blocking work").
func (s *State) Touch() {
	s.mu.Lock()
	s.lastAccessTime = time.Now()
	s.mu.Unlock()
}

func (s *State) LastAccessTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessTime
}

// Acquire increments activeConnections and touches lastAccessTime,
// returning a release func that decrements exactly once no matter how many
// times it is called (spec.md §9: "guarded against double-decrement").
func (s *State) Acquire() (release func()) {
	s.mu.Lock()
	s.activeConnections++
	s.lastAccessTime = time.Now()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.activeConnections--
			s.mu.Unlock()
		})
	}
}

func (s *State) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeConnections
}

// markStarting transitions offline->starting. Returns false if the status
// was not offline (caller should not start).
func (s *State) markStarting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOffline {
		return false
	}
	s.status = StatusStarting
	return true
}

// markOnline transitions starting->online, recording a fresh startTime and
// incrementing startCount.
func (s *State) markOnline() {
	s.mu.Lock()
	s.status = StatusOnline
	s.startTime = time.Now()
	s.startCount++
	s.mu.Unlock()
}

// markOfflineAfterFailure resets a failed starting attempt back to offline.
func (s *State) markOfflineAfterFailure() {
	s.setStatus(StatusOffline)
}

// markStopping transitions online->stopping, folding the completed online
// interval into totalUptime. Returns false if status was not online.
func (s *State) markStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOnline {
		return false
	}
	if !s.startTime.IsZero() {
		s.totalUptime += time.Since(s.startTime)
		s.startTime = time.Time{}
	}
	s.status = StatusStopping
	return true
}

// finishStopping transitions stopping->offline.
func (s *State) finishStopping() {
	s.setStatus(StatusOffline)
}

// Snapshot is a point-in-time copy of State, safe to use after the lock is
// released (for admin-plane reads).
type Snapshot struct {
	Status            Status
	LastAccessTime    time.Time
	ActiveConnections int
	StartTime         time.Time
	StartCount        int
	TotalUptime       time.Duration
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Status:            s.status,
		LastAccessTime:    s.lastAccessTime,
		ActiveConnections: s.activeConnections,
		StartTime:         s.startTime,
		StartCount:        s.startCount,
		TotalUptime:       s.totalUptime,
	}
}

// Uptime returns totalUptime plus the running duration of the current
// online interval, if any.
func (snap Snapshot) Uptime() time.Duration {
	if snap.StartTime.IsZero() {
		return snap.TotalUptime
	}
	return snap.TotalUptime + time.Since(snap.StartTime)
}
