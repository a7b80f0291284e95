package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/2234839/DynaPM/internal/executor"
)

func TestWaitHealthyNone(t *testing.T) {
	p := New(executor.New())
	if err := p.WaitHealthy(context.Background(), "svc", Check{Type: CheckNone}, time.Second); err != nil {
		t.Fatalf("expected none check to succeed instantly, got %v", err)
	}
}

func TestWaitHealthyTCPSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind test listener: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	upstream, _ := url.Parse("http://127.0.0.1:" + portOf(addr.Port))

	p := New(executor.New())
	if err := p.WaitHealthy(context.Background(), "svc", Check{Type: CheckTCP, Upstream: upstream}, time.Second); err != nil {
		t.Fatalf("expected tcp probe to succeed, got %v", err)
	}
}

func TestWaitHealthyTCPTimesOutWhenNothingListens(t *testing.T) {
	upstream, _ := url.Parse("http://127.0.0.1:1")
	p := New(executor.New())
	err := p.WaitHealthy(context.Background(), "svc", Check{Type: CheckTCP, Upstream: upstream}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected startup timeout error")
	}
	if _, ok := err.(*ErrStartupTimeout); !ok {
		t.Fatalf("expected ErrStartupTimeout, got %T", err)
	}
}

func TestWaitHealthyHTTPExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(executor.New())
	err := p.WaitHealthy(context.Background(), "svc", Check{
		Type:           CheckHTTP,
		URL:            srv.URL,
		ExpectedStatus: 200,
	}, time.Second)
	if err != nil {
		t.Fatalf("expected http probe to succeed, got %v", err)
	}
}

func TestWaitHealthyHTTPWrongStatusTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	p := New(executor.New())
	err := p.WaitHealthy(context.Background(), "svc", Check{
		Type:           CheckHTTP,
		URL:            srv.URL,
		ExpectedStatus: 200,
	}, 150*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout when status never matches")
	}
}

func TestWaitHealthyCommand(t *testing.T) {
	p := New(executor.New())
	err := p.WaitHealthy(context.Background(), "svc", Check{
		Type:    CheckCommand,
		Command: "true",
	}, time.Second)
	if err != nil {
		t.Fatalf("expected command probe to succeed, got %v", err)
	}
}

func TestWaitHealthyCommandFailureTimesOut(t *testing.T) {
	p := New(executor.New())
	err := p.WaitHealthy(context.Background(), "svc", Check{
		Type:    CheckCommand,
		Command: "false",
	}, 150*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout for always-failing command")
	}
}

func portOf(n int) string {
	buf := [6]byte{}
	i := len(buf)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
