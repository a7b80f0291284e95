package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/2234839/DynaPM/internal/executor"
	"github.com/2234839/DynaPM/internal/health"
	"github.com/2234839/DynaPM/internal/router"
	"github.com/2234839/DynaPM/internal/service"
)

func proxyOnlyDescriptor(name string, upstream *url.URL) *service.Descriptor {
	return &service.Descriptor{
		Name:      name,
		Upstream:  upstream,
		ProxyOnly: true,
		Routes:    []service.Route{{Kind: "host", Value: name, Target: upstream}},
		State:     service.NewState(true),
	}
}

func TestMainHandlerReturns404ForUnknownHost(t *testing.T) {
	table, _ := router.Build(nil, 3000, 0)
	mgr := service.New(executor.New(), health.New(executor.New()), nil)
	gw := New(table, mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unknown.test"
	rec := httptest.NewRecorder()

	gw.MainHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMainHandlerForwardsToOnlineProxyOnlyService(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL)
	d := proxyOnlyDescriptor("a.test", target)

	table, err := router.Build([]*service.Descriptor{d}, 3000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr := service.New(executor.New(), health.New(executor.New()), nil)
	gw := New(table, mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()

	gw.MainHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
	if d.State.ActiveConnections() != 0 {
		t.Errorf("expected activeConnections back to 0 after request, got %d", d.State.ActiveConnections())
	}
}

func TestMainHandlerReturns502WhenUpstreamUnreachable(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:1")
	d := proxyOnlyDescriptor("c.test", target)

	table, err := router.Build([]*service.Descriptor{d}, 3000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr := service.New(executor.New(), health.New(executor.New()), nil)
	gw := New(table, mgr, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "c.test"
	rec := httptest.NewRecorder()

	gw.MainHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestSetWebSocketLoggingForwardsToBridge(t *testing.T) {
	table, _ := router.Build(nil, 3000, 0)
	mgr := service.New(executor.New(), health.New(executor.New()), nil)
	gw := New(table, mgr, nil)

	// SetWebSocketLogging only needs to not panic; the bridge's own
	// log-line behavior is covered in internal/proxy.
	gw.SetWebSocketLogging(true)
}

func TestIsWebSocketUpgradeDetection(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !isWebSocketUpgrade(req) {
		t.Fatal("expected upgrade request to be detected")
	}

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	if isWebSocketUpgrade(plain) {
		t.Fatal("expected plain request to not be detected as upgrade")
	}
}
