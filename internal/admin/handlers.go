package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2234839/DynaPM/internal/service"
)

// serviceView is the JSON shape of GET .../services and .../services/:name
// (spec.md §6). pid is omitted: the Command Executor backgrounds start
// commands via the shell ("nohup ... &", "docker run -d", ...) and never
// observes a PID the gateway itself could report.
type serviceView struct {
	Name              string        `json:"name"`
	Base              string        `json:"base"`
	Status            service.Status `json:"status"`
	Uptime            string        `json:"uptime"`
	LastAccessTime    time.Time     `json:"lastAccessTime"`
	ActiveConnections int           `json:"activeConnections"`
	IdleTimeout       string        `json:"idleTimeout"`
	ProxyOnly         bool          `json:"proxyOnly"`
}

type serviceDetailView struct {
	serviceView
	StartTimeout string      `json:"startTimeout"`
	HealthCheck  string      `json:"healthCheck"`
	StartCount   int         `json:"startCount"`
	TotalUptime  string      `json:"totalUptime"`
}

func toServiceView(d *service.Descriptor) serviceView {
	snap := d.State.Snapshot()
	return serviceView{
		Name:              d.Name,
		Base:              d.Upstream.String(),
		Status:            snap.Status,
		Uptime:            snap.Uptime().String(),
		LastAccessTime:    snap.LastAccessTime,
		ActiveConnections: snap.ActiveConnections,
		IdleTimeout:       d.IdleTimeout.String(),
		ProxyOnly:         d.ProxyOnly,
	}
}

func toServiceDetailView(d *service.Descriptor) serviceDetailView {
	snap := d.State.Snapshot()
	return serviceDetailView{
		serviceView:  toServiceView(d),
		StartTimeout: d.StartTimeout.String(),
		HealthCheck:  string(d.HealthCheck.Type),
		StartCount:   snap.StartCount,
		TotalUptime:  snap.TotalUptime.String(),
	}
}

// Server exposes the optional admin/control REST surface (spec.md §6). It
// is intentionally minimal (spec.md §9: "the admin plane is NOT part of
// the core").
type Server struct {
	registry *service.Registry
}

// New returns an admin Server reading/mutating registry.
func New(registry *service.Registry) *Server {
	return &Server{registry: registry}
}

// Router builds the chi router for the admin plane, applying the IP
// allowlist and bearer-token middleware before routing, grounded on
// `_examples/MrSnakeDoc-jump-blueprint/internal/httpserver/server.go`'s
// chi.NewRouter + middleware.RequestID/Recoverer pattern.
func (s *Server) Router(allowedIPs []string, authToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(allowOnlyIPs(allowedIPs))
	r.Use(requireBearerToken(authToken))

	r.Get("/_dynapm/api/services", s.listServices)
	r.Get("/_dynapm/api/services/{name}", s.getService)
	r.Post("/_dynapm/api/services/{name}/stop", s.stopService)
	r.Post("/_dynapm/api/services/{name}/start", s.startService)
	r.Get("/_dynapm/api/events", s.events)

	return r
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.All()
	views := make([]serviceView, 0, len(descriptors))
	for _, d := range descriptors {
		views = append(views, toServiceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.registry.Get(name)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDetailView(d))
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.registry.Get(name)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if d.State.Status() != service.StatusOnline {
		http.Error(w, "service is not online", http.StatusBadRequest)
		return
	}
	if err := s.registry.Manager().Stop(d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, toServiceView(d))
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.registry.Get(name)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	switch d.State.Status() {
	case service.StatusOnline, service.StatusStarting:
		http.Error(w, "service is already starting or online", http.StatusBadRequest)
		return
	}
	if err := s.registry.Manager().EnsureOnline(r.Context(), d); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, toServiceView(d))
}

// events is reserved for server-sent state-change events; the initial
// implementation emits only a connected event (spec.md §6), tagged with a
// google/uuid event ID so a future event stream can be resumed/deduplicated
// by ID the same way request_id correlates a request's log lines.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "id: %s\nevent: connected\ndata: {}\n\n", uuid.NewString())
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
