// Package router implements the Routing Table (spec.md §4.4): the static
// hostname→route and port→route indexes built once at startup, resolved
// per inbound request by the Listener Set.
package router

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/2234839/DynaPM/internal/service"
)

// Route is a resolved binding from an ingress identity to a service and the
// upstream target that ingress should proxy to.
type Route struct {
	Service *service.Descriptor
	Target  *url.URL
}

// Table is the Routing Table: two maps computed once at startup, grounded
// on the teacher's CreateHandler prefix/pattern matching over
// config.Locations, replaced here with the exact hostname/port keying
// spec.md §4.4 requires instead of the teacher's longest-prefix-match.
type Table struct {
	hostnameRoutes map[string]Route
	portRoutes     map[int]Route
}

// Build indexes every descriptor's routes, rejecting the same collisions
// internal/config.Validate already rejects at config-load time — this is
// the "equivalent validation" spec.md §4.4 requires when a table is built
// programmatically rather than purely from a validated config file.
func Build(descriptors []*service.Descriptor, mainPort int, adminPort int) (*Table, error) {
	t := &Table{
		hostnameRoutes: make(map[string]Route),
		portRoutes:     make(map[int]Route),
	}

	usedPorts := map[int]string{mainPort: "main listener"}
	if adminPort != 0 {
		usedPorts[adminPort] = "admin listener"
	}

	for _, d := range descriptors {
		for _, r := range d.Routes {
			switch r.Kind {
			case "host":
				host := strings.ToLower(r.Value)
				if existing, ok := t.hostnameRoutes[host]; ok && existing.Service.Name != d.Name {
					return nil, fmt.Errorf("router: hostname %q claimed by both %q and %q", host, existing.Service.Name, d.Name)
				}
				t.hostnameRoutes[host] = Route{Service: d, Target: r.Target}
			case "port":
				port, err := strconv.Atoi(r.Value)
				if err != nil {
					return nil, fmt.Errorf("router: service %q has non-numeric port route %q: %w", d.Name, r.Value, err)
				}
				if owner, ok := usedPorts[port]; ok && owner != d.Name {
					return nil, fmt.Errorf("router: port %d collides with %s", port, owner)
				}
				usedPorts[port] = d.Name
				t.portRoutes[port] = Route{Service: d, Target: r.Target}
			default:
				return nil, fmt.Errorf("router: service %q has route with unknown kind %q", d.Name, r.Kind)
			}
		}
	}
	return t, nil
}

// ResolveHost looks up the hostnameRoutes table by Host header, stripping
// any port suffix and lower-casing, per spec.md §4.4.
func (t *Table) ResolveHost(hostHeader string) (Route, bool) {
	host := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}
	route, ok := t.hostnameRoutes[strings.ToLower(host)]
	return route, ok
}

// ResolvePort looks up the portRoutes table; used by a port-bound listener,
// which is pre-bound to exactly one route and ignores the Host header.
func (t *Table) ResolvePort(port int) (Route, bool) {
	route, ok := t.portRoutes[port]
	return route, ok
}

// PortRoutes returns every port-bound route, keyed by port, so the Listener
// Set can bind one listener per entry.
func (t *Table) PortRoutes() map[int]Route {
	out := make(map[int]Route, len(t.portRoutes))
	for port, route := range t.portRoutes {
		out[port] = route
	}
	return out
}
