// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 3000
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultStartTimeout  = 30 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	DefaultProbeStatus   = 200
)

// rawDuration accepts either a YAML duration string ("30s", "5m") or an
// integer number of seconds, the same leniency the teacher's config parsing
// shows for pools.timeout / server.idle.timeout.
type rawDuration struct {
	d  time.Duration
	ok bool
}

func (r *rawDuration) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err == nil {
		r.d, r.ok = time.Duration(n)*time.Second, true
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		r.d, r.ok = d, true
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// RouteConfig is one entry of a service's `routes` list.
type RouteConfig struct {
	Kind   string `yaml:"kind"` // "host" or "port"
	Value  string `yaml:"value"`
	Target string `yaml:"target"`
}

// CommandsConfig holds the shell commands the Service Manager runs.
type CommandsConfig struct {
	Start string            `yaml:"start"`
	Stop  string            `yaml:"stop"`
	Check string            `yaml:"check"`
	Cwd   string            `yaml:"cwd"`
	Env   map[string]string `yaml:"env"`
}

// HealthCheckConfig describes how the Health Prober determines readiness.
type HealthCheckConfig struct {
	Type           string      `yaml:"type"` // tcp | http | command | none
	URL            string      `yaml:"url"`
	ExpectedStatus int         `yaml:"expected_status"`
	Command        string      `yaml:"command"`
	TimeoutRaw     rawDuration `yaml:"timeout"`
}

func (h HealthCheckConfig) Timeout(def time.Duration) time.Duration {
	if h.TimeoutRaw.ok {
		return h.TimeoutRaw.d
	}
	return def
}

// ServiceConfig is one entry of the top-level `services` map.
type ServiceConfig struct {
	Name             string            `yaml:"name"`
	Base             string            `yaml:"base"`
	Host             string            `yaml:"host"`
	Port             int               `yaml:"port"`
	Routes           []RouteConfig     `yaml:"routes"`
	IdleTimeoutRaw   rawDuration       `yaml:"idle_timeout"`
	StartTimeoutRaw  rawDuration       `yaml:"start_timeout"`
	Commands         CommandsConfig    `yaml:"commands"`
	HealthCheck      HealthCheckConfig `yaml:"health_check"`
	ProxyOnly        bool              `yaml:"proxy_only"`
}

func (s ServiceConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutRaw.ok {
		return s.IdleTimeoutRaw.d
	}
	return DefaultIdleTimeout
}

func (s ServiceConfig) StartTimeout() time.Duration {
	if s.StartTimeoutRaw.ok {
		return s.StartTimeoutRaw.d
	}
	return DefaultStartTimeout
}

// AdminAPIConfig configures the optional admin/control REST surface.
type AdminAPIConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Port       int      `yaml:"port"`
	Host       string   `yaml:"host"`
	AuthToken  string   `yaml:"auth_token"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// LoggingConfig controls request/websocket/performance log verbosity and
// the ambient log-sink format the teacher's LogWriter/JSONLogWriter family
// provides for managed subprocess output.
type LoggingConfig struct {
	EnableRequestLog     bool   `yaml:"enable_request_log"`
	EnableWebSocketLog   bool   `yaml:"enable_websocket_log"`
	EnablePerformanceLog bool   `yaml:"enable_performance_log"`
	Format               string `yaml:"format"` // "text" or "json"
	File                 string `yaml:"file"`    // supports {{service}} template
}

// Config is the fully parsed, defaulted configuration record.
type Config struct {
	Host     string                    `yaml:"host"`
	Port     int                       `yaml:"port"`
	Services map[string]*ServiceConfig `yaml:"services"`
	AdminAPI AdminAPIConfig            `yaml:"admin_api"`
	Logging  LoggingConfig             `yaml:"logging"`
}

// Load reads and parses a YAML config file, applying defaults and running
// Validate.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(content)
}

// Parse parses raw YAML bytes into a validated Config.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	for name, svc := range c.Services {
		if svc.Name == "" {
			svc.Name = name
		}
		if svc.HealthCheck.Type == "" {
			svc.HealthCheck.Type = "tcp"
		}
		if svc.HealthCheck.ExpectedStatus == 0 {
			svc.HealthCheck.ExpectedStatus = DefaultProbeStatus
		}
	}
}

// Validate enforces the invariants spec.md §3/§6 requires: a non-empty
// service map, at least one route per service (derived from the map key
// when host/port/routes are all absent), and no port collisions between
// services, the main listener, and the admin listener.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("config invalid: services must be non-empty")
	}

	usedPorts := map[int]string{c.Port: "main listener"}
	if c.AdminAPI.Enabled {
		adminPort := c.AdminAPI.Port
		if adminPort == 0 {
			return fmt.Errorf("config invalid: admin_api.enabled requires admin_api.port")
		}
		if owner, exists := usedPorts[adminPort]; exists {
			return fmt.Errorf("config invalid: admin port %d collides with %s", adminPort, owner)
		}
		usedPorts[adminPort] = "admin listener"
	}

	usedHosts := map[string]string{}
	for name, svc := range c.Services {
		if svc.Base == "" {
			return fmt.Errorf("config invalid: service %q missing base URL", name)
		}
		if _, err := url.Parse(svc.Base); err != nil {
			return fmt.Errorf("config invalid: service %q has invalid base URL: %w", name, err)
		}
		if svc.Commands.Start == "" || svc.Commands.Stop == "" || svc.Commands.Check == "" {
			if !svc.ProxyOnly {
				return fmt.Errorf("config invalid: service %q must supply start/stop/check commands unless proxy_only", name)
			}
		}

		routes := effectiveRoutes(name, svc)
		if len(routes) == 0 {
			return fmt.Errorf("config invalid: service %q has no route", name)
		}
		for _, r := range routes {
			switch r.Kind {
			case "host":
				host := strings.ToLower(r.Value)
				if owner, exists := usedHosts[host]; exists && owner != name {
					return fmt.Errorf("config invalid: hostname %q claimed by both %q and %q", host, owner, name)
				}
				usedHosts[host] = name
			case "port":
				var port int
				fmt.Sscanf(r.Value, "%d", &port)
				if owner, exists := usedPorts[port]; exists && owner != name {
					return fmt.Errorf("config invalid: port %d collides with %s", port, owner)
				}
				usedPorts[port] = name
			default:
				return fmt.Errorf("config invalid: service %q has route with unknown kind %q", name, r.Kind)
			}
		}
	}
	return nil
}

// effectiveRoutes derives the routes a service resolves to: its explicit
// `routes` list if present, otherwise a route built from `host`/`port`,
// otherwise a hostname route derived from the map key.
func effectiveRoutes(key string, svc *ServiceConfig) []RouteConfig {
	if len(svc.Routes) > 0 {
		out := make([]RouteConfig, len(svc.Routes))
		for i, r := range svc.Routes {
			if r.Target == "" {
				r.Target = svc.Base
			}
			out[i] = r
		}
		return out
	}

	var routes []RouteConfig
	if svc.Host != "" {
		routes = append(routes, RouteConfig{Kind: "host", Value: svc.Host, Target: svc.Base})
	}
	if svc.Port != 0 {
		routes = append(routes, RouteConfig{Kind: "port", Value: fmt.Sprintf("%d", svc.Port), Target: svc.Base})
	}
	if len(routes) == 0 {
		routes = append(routes, RouteConfig{Kind: "host", Value: key, Target: svc.Base})
	}
	return routes
}

// EffectiveRoutes exposes the derived route list for a named service so
// internal/service can build ServiceDescriptor.Routes from it.
func (c *Config) EffectiveRoutes(name string) []RouteConfig {
	svc := c.Services[name]
	if svc == nil {
		return nil
	}
	return effectiveRoutes(name, svc)
}
