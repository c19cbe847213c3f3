// Package proxy programs the ingress that fronts remote-mode workspace
// containers, one subdomain per service.
package proxy

import (
	"context"
	"fmt"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// RouteManager defines the interface for dynamic reverse proxy routing.
// Implementation: Caddy REST API.
type RouteManager interface {
	// AddRoute adds a single route. The route becomes active immediately.
	AddRoute(ctx context.Context, route Route) error

	// RemoveRoute removes a route by hostname.
	RemoveRoute(ctx context.Context, hostname string) error

	// GetRoute returns a route by hostname.
	GetRoute(ctx context.Context, hostname string) (*Route, error)

	// ListRoutes returns all workspace routes.
	ListRoutes(ctx context.Context) ([]Route, error)

	// Health checks if the proxy is responding.
	Health(ctx context.Context) error
}

// Route represents a reverse proxy route to one workspace service.
type Route struct {
	Hostname    string `json:"hostname"`     // e.g. "brave-otter-7-terminal"
	UpstreamURL string `json:"upstream_url"` // e.g. "http://10.88.0.5:7681"
	ContainerID string `json:"container_id"` // for tracking
}

// ContainerRoutes builds the route set for one container: a subdomain
// per service, each dialing the container's IP on that service's
// in-container port.
func ContainerRoutes(containerID, upstreamIP string) []Route {
	routes := make([]Route, 0, len(domain.Services))
	for _, service := range domain.Services {
		routes = append(routes, Route{
			Hostname:    fmt.Sprintf("%s-%s", containerID, service),
			UpstreamURL: fmt.Sprintf("http://%s:%d", upstreamIP, domain.ServicePorts[service]),
			ContainerID: containerID,
		})
	}
	return routes
}

// AddContainerRoutes programs every service route for a container.
func AddContainerRoutes(ctx context.Context, m RouteManager, containerID, upstreamIP string) error {
	for _, route := range ContainerRoutes(containerID, upstreamIP) {
		if err := m.AddRoute(ctx, route); err != nil {
			return fmt.Errorf("failed to add route %s: %w", route.Hostname, err)
		}
	}
	return nil
}

// RemoveContainerRoutes removes every service route for a container.
// Missing routes are not an error.
func RemoveContainerRoutes(ctx context.Context, m RouteManager, containerID string) error {
	for _, service := range domain.Services {
		hostname := fmt.Sprintf("%s-%s", containerID, service)
		if err := m.RemoveRoute(ctx, hostname); err != nil {
			return fmt.Errorf("failed to remove route %s: %w", hostname, err)
		}
	}
	return nil
}
