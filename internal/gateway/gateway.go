// Package gateway implements the Listener Set (spec.md §4.9): the main
// hostname-routed listener, one listener per port-bound route, and the
// wiring between the Routing Table, Service State Machine, and Proxy
// Engine that the teacher's CreateHandler performs monolithically.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2234839/DynaPM/internal/proxy"
	"github.com/2234839/DynaPM/internal/router"
	"github.com/2234839/DynaPM/internal/service"
)

// Gateway wires the Routing Table, Service Manager, and Proxy Engine into
// a set of http.Handlers, one per listener.
type Gateway struct {
	table   *router.Table
	manager *service.Manager
	http    *proxy.Engine
	ws      *proxy.WSBridge
	logger  *slog.Logger

	requestLog bool
	perfLog    bool
}

// New returns a Gateway ready to build listener handlers.
func New(table *router.Table, manager *service.Manager, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		table:   table,
		manager: manager,
		http:    proxy.New(logger),
		ws:      proxy.NewWSBridge(manager, logger),
		logger:  logger,
	}
}

// SetRequestLogging toggles per-request access logging (logging.enable_request_log)
// and per-request timing (logging.enable_performance_log), both off by
// default (spec.md §6: logging "all false"). Each logged line carries a
// google/uuid request_id, the same correlation-ID convention chi's
// middleware.RequestID establishes for the admin plane.
func (g *Gateway) SetRequestLogging(requestLog, perfLog bool) {
	g.requestLog = requestLog
	g.perfLog = perfLog
}

// SetWebSocketLogging toggles WebSocket open/close logging
// (logging.enable_websocket_log) on the bridge this gateway drives.
func (g *Gateway) SetWebSocketLogging(enabled bool) {
	g.ws.SetWebSocketLogging(enabled)
}

// MainHandler resolves each request by Host header against the hostname
// routing table (spec.md §4.4: "For traffic arriving on the main listener,
// the Host header... selects a hostnameRoute").
func (g *Gateway) MainHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := g.table.ResolveHost(r.Host)
		if !ok {
			http.NotFound(w, r)
			return
		}
		g.dispatch(w, r, route)
	})
}

// PortHandler returns a handler pre-bound to a single route, ignoring the
// Host header entirely (spec.md §4.4: "the route is pre-bound to that
// listener; the Host header is ignored for selection").
func (g *Gateway) PortHandler(route router.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.dispatch(w, r, route)
	})
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, route router.Route) {
	route.Service.State.Touch()

	logger := g.logger
	var start time.Time
	if g.requestLog || g.perfLog {
		logger = logger.With("request_id", uuid.NewString(), "service", route.Service.Name)
	}
	if g.requestLog {
		logger.Info("request received", "method", r.Method, "path", r.URL.Path)
	}
	if g.perfLog {
		start = time.Now()
	}

	if isWebSocketUpgrade(r) {
		g.ws.HandleUpgrade(w, r, route)
		return
	}

	release := route.Service.State.Acquire()
	defer release()

	if err := g.manager.EnsureOnline(r.Context(), route.Service); err != nil {
		g.writeStartupError(w, route.Service.Name, err)
		return
	}

	g.http.ServeHTTP(w, r, route.Target)

	if g.perfLog {
		logger.Info("request completed", "duration", time.Since(start).String())
	}
}

func (g *Gateway) writeStartupError(w http.ResponseWriter, serviceName string, err error) {
	switch {
	case errors.Is(err, service.ErrStartFailed):
		g.logger.Error("start failed", "service", serviceName, "error", err)
	case errors.Is(err, service.ErrHealthTimeout):
		g.logger.Error("health check timed out", "service", serviceName, "error", err)
	case errors.Is(err, service.ErrStopTimeout):
		g.logger.Warn("stop wait timed out", "service", serviceName, "error", err)
	}
	http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// swappableHandler lets a bound listener's request-handling logic be
// replaced without rebinding its socket — the mechanism SIGHUP-driven
// config reload (cmd/dynapm) uses to swap the admin listener's handler;
// reload does not rebuild routing. Grounded on the teacher's own reload wrapper ("a mutable handler wrapper
// for configuration reloading" around `currentHandler`/`handlerMutex` in
// `_examples/rubys-showcase/cmd/navigator/main.go`'s `main()`).
type swappableHandler struct {
	mu sync.RWMutex
	h  http.Handler
}

func (s *swappableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

func (s *swappableHandler) store(h http.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

// ListenerSet owns the main listener, every port-bound listener, and an
// optional admin listener, running them concurrently and shutting them all
// down together (spec.md §4.9, §9: "independent HTTP/WebSocket servers
// sharing the same Routing Table and Service State Machine").
type ListenerSet struct {
	servers      []*http.Server
	mainHandler  *swappableHandler
	adminHandler *swappableHandler
	portHandlers map[int]*swappableHandler
	logger       *slog.Logger
}

// Build constructs one *http.Server per listener: the main hostname-routed
// listener at (host, port), one per entry in table.PortRoutes, and adminHandler
// bound to its own address if non-nil. Each listener's handler is wrapped
// in a swappableHandler so a later config reload can replace routing logic
// in place.
func Build(host string, port int, table *router.Table, gw *Gateway, adminHost string, adminPort int, adminHandler http.Handler, logger *slog.Logger) *ListenerSet {
	if logger == nil {
		logger = slog.Default()
	}
	ls := &ListenerSet{logger: logger, portHandlers: make(map[int]*swappableHandler)}

	ls.mainHandler = &swappableHandler{h: gw.MainHandler()}
	ls.servers = append(ls.servers, &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: ls.mainHandler,
	})

	for portN, route := range table.PortRoutes() {
		sh := &swappableHandler{h: gw.PortHandler(route)}
		ls.portHandlers[portN] = sh
		ls.servers = append(ls.servers, &http.Server{
			Addr:    net.JoinHostPort(host, strconv.Itoa(portN)),
			Handler: sh,
		})
	}

	if adminHandler != nil {
		ls.adminHandler = &swappableHandler{h: adminHandler}
		ls.servers = append(ls.servers, &http.Server{
			Addr:    net.JoinHostPort(adminHost, strconv.Itoa(adminPort)),
			Handler: ls.adminHandler,
		})
	}

	return ls
}

// UpdateMainHandler atomically replaces the main listener's routing logic
// without rebinding the listener's socket. The SIGHUP reload in cmd/dynapm
// does not call it.
func (ls *ListenerSet) UpdateMainHandler(h http.Handler) {
	ls.mainHandler.store(h)
}

// UpdateAdminHandler atomically replaces the admin listener's handler, a
// no-op if the admin plane was not enabled at startup (no listener to
// update).
func (ls *ListenerSet) UpdateAdminHandler(h http.Handler) {
	if ls.adminHandler != nil {
		ls.adminHandler.store(h)
	}
}

// UpdatePortHandler atomically replaces a port-bound listener's route,
// reporting false if no listener is bound at that port — a reload cannot
// bind a new port-bound route without a restart (spec.md has no hot
// rebind-listener operation; the socket set is fixed at startup).
func (ls *ListenerSet) UpdatePortHandler(port int, h http.Handler) bool {
	sh, ok := ls.portHandlers[port]
	if !ok {
		return false
	}
	sh.store(h)
	return true
}

// Serve starts every listener concurrently and blocks until all of them
// exit (normally only on Shutdown or a fatal listen error).
func (ls *ListenerSet) Serve() error {
	var wg sync.WaitGroup
	errs := make(chan error, len(ls.servers))

	for _, srv := range ls.servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			ls.logger.Info("listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// Shutdown gracefully stops every listener.
func (ls *ListenerSet) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, srv := range ls.servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				ls.logger.Warn("listener shutdown error", "addr", srv.Addr, "error", err)
			}
		}(srv)
	}
	wg.Wait()
}
