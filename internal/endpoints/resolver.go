// Package endpoints resolves the externally reachable URLs for every
// service an IDE container exposes.
package endpoints

import (
	"fmt"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// Resolver computes the service URL set for a container ID.
type Resolver interface {
	Resolve(containerID string) domain.ServiceURLs
}

// RemoteResolver builds ingress-backed URLs of the form
// {scheme}://{id}-{service}.{baseDomain}. The ingress terminates TLS and
// routes each subdomain to the matching in-container port.
type RemoteResolver struct {
	Scheme     string
	BaseDomain string
}

func (r *RemoteResolver) Resolve(containerID string) domain.ServiceURLs {
	host := func(service string) string {
		return fmt.Sprintf("%s://%s-%s.%s", r.Scheme, containerID, service, r.BaseDomain)
	}
	return domain.ServiceURLs{
		Terminal:   host(domain.ServiceTerminal),
		VNC:        host(domain.ServiceVNC),
		WebServer:  host(domain.ServiceWebServer),
		CodeServer: host(domain.ServiceCodeServer),
		Runner:     host(domain.ServiceRunner),
	}
}

// LocalResolver builds URLs through the developer-local agent, which
// proxies /ide/{id}/{service} to the container's host port mapping.
type LocalResolver struct {
	Host string
	Port int
}

func (r *LocalResolver) Resolve(containerID string) domain.ServiceURLs {
	path := func(service string) string {
		return fmt.Sprintf("http://%s:%d/ide/%s/%s", r.Host, r.Port, containerID, service)
	}
	return domain.ServiceURLs{
		Terminal:   path(domain.ServiceTerminal),
		VNC:        path(domain.ServiceVNC),
		WebServer:  path(domain.ServiceWebServer),
		CodeServer: path(domain.ServiceCodeServer),
		Runner:     path(domain.ServiceRunner),
	}
}

// Selector picks the resolver matching a container's environment mode.
type Selector struct {
	Remote Resolver
	Local  Resolver
}

func (s *Selector) For(mode domain.EnvironmentMode) Resolver {
	if mode == domain.ModeLocal {
		return s.Local
	}
	return s.Remote
}

var (
	_ Resolver = (*RemoteResolver)(nil)
	_ Resolver = (*LocalResolver)(nil)
)
