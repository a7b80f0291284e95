package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	f, err := os.CreateTemp("", "dynapm-config-*.yml")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return f.Name()
}

func TestLoadDefaults(t *testing.T) {
	content := `
services:
  a:
    base: http://127.0.0.1:9001
    host: a.test
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	path := writeTempConfig(t, content)
	defer os.Remove(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != DefaultHost {
		t.Errorf("expected default host %q, got %q", DefaultHost, cfg.Host)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}

	svc := cfg.Services["a"]
	if svc == nil {
		t.Fatal("expected service a")
	}
	if svc.IdleTimeout() != DefaultIdleTimeout {
		t.Errorf("expected default idle timeout, got %v", svc.IdleTimeout())
	}
	if svc.StartTimeout() != DefaultStartTimeout {
		t.Errorf("expected default start timeout, got %v", svc.StartTimeout())
	}
	if svc.HealthCheck.Type != "tcp" {
		t.Errorf("expected default health check tcp, got %q", svc.HealthCheck.Type)
	}
}

func TestParseExplicitTimeouts(t *testing.T) {
	content := `
services:
  a:
    base: http://127.0.0.1:9001
    host: a.test
    idle_timeout: 10s
    start_timeout: 5s
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	svc := cfg.Services["a"]
	if svc.IdleTimeout() != 10*time.Second {
		t.Errorf("expected idle timeout 10s, got %v", svc.IdleTimeout())
	}
	if svc.StartTimeout() != 5*time.Second {
		t.Errorf("expected start timeout 5s, got %v", svc.StartTimeout())
	}
}

func TestValidateRejectsEmptyServices(t *testing.T) {
	_, err := Parse([]byte(`host: 127.0.0.1`))
	if err == nil {
		t.Fatal("expected error for empty services map")
	}
}

func TestValidateRejectsPortCollisionWithMainListener(t *testing.T) {
	content := `
port: 3000
services:
  a:
    base: http://127.0.0.1:9001
    port: 3000
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	_, err := Parse([]byte(content))
	if err == nil {
		t.Fatal("expected error for port collision with main listener")
	}
}

func TestValidateRejectsHostnameCollision(t *testing.T) {
	content := `
services:
  a:
    base: http://127.0.0.1:9001
    host: shared.test
    commands:
      start: "true"
      stop: "true"
      check: "true"
  b:
    base: http://127.0.0.1:9002
    host: shared.test
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	_, err := Parse([]byte(content))
	if err == nil {
		t.Fatal("expected error for duplicate hostname")
	}
}

func TestValidateRejectsAdminPortCollision(t *testing.T) {
	content := `
admin_api:
  enabled: true
  port: 3000
services:
  a:
    base: http://127.0.0.1:9001
    host: a.test
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	_, err := Parse([]byte(content))
	if err == nil {
		t.Fatal("expected error for admin port collision with main listener")
	}
}

func TestValidateDerivesHostRouteFromMapKey(t *testing.T) {
	content := `
services:
  a.test:
    base: http://127.0.0.1:9001
    commands:
      start: "true"
      stop: "true"
      check: "true"
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	routes := cfg.EffectiveRoutes("a.test")
	if len(routes) != 1 || routes[0].Kind != "host" || routes[0].Value != "a.test" {
		t.Fatalf("expected single derived host route, got %+v", routes)
	}
}

func TestValidateProxyOnlyAllowsMissingCommands(t *testing.T) {
	content := `
services:
  a:
    base: http://127.0.0.1:9001
    host: a.test
    proxy_only: true
`
	if _, err := Parse([]byte(content)); err != nil {
		t.Fatalf("expected proxy_only service without commands to be valid: %v", err)
	}
}

func TestValidateRejectsMissingCommandsWhenNotProxyOnly(t *testing.T) {
	content := `
services:
  a:
    base: http://127.0.0.1:9001
    host: a.test
`
	if _, err := Parse([]byte(content)); err == nil {
		t.Fatal("expected error for missing commands on non-proxy_only service")
	}
}
