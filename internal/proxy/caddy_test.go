package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
)

// skipIfNoCaddy skips the test if Caddy is not available.
func skipIfNoCaddy(t *testing.T) *CaddyRouteManager {
	t.Helper()
	if os.Getenv("CADDY_TEST") == "" {
		t.Skip("Skipping Caddy integration test. Set CADDY_TEST=1 to run.")
	}

	cfg := &config.IngressConfig{
		CaddyAdminURL: getEnvOrDefault("CADDY_ADMIN_URL", "http://localhost:2019"),
	}

	manager := NewCaddyRouteManager(cfg, "localhost")

	ctx := context.Background()
	if err := manager.Health(ctx); err != nil {
		t.Skipf("Failed to connect to Caddy: %v", err)
	}

	return manager
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func newTestManager(adminURL string) *CaddyRouteManager {
	return NewCaddyRouteManager(&config.IngressConfig{CaddyAdminURL: adminURL}, "example.com")
}

func TestContainerRoutes(t *testing.T) {
	routes := ContainerRoutes("brave-otter-7", "10.88.0.5")

	if len(routes) != len(domain.Services) {
		t.Fatalf("ContainerRoutes() len = %d, want %d", len(routes), len(domain.Services))
	}

	byHost := make(map[string]Route, len(routes))
	for _, r := range routes {
		byHost[r.Hostname] = r
		if r.ContainerID != "brave-otter-7" {
			t.Errorf("route %s ContainerID = %q, want %q", r.Hostname, r.ContainerID, "brave-otter-7")
		}
	}

	terminal, ok := byHost["brave-otter-7-terminal"]
	if !ok {
		t.Fatal("missing terminal route")
	}
	if terminal.UpstreamURL != "http://10.88.0.5:7681" {
		t.Errorf("terminal upstream = %q, want %q", terminal.UpstreamURL, "http://10.88.0.5:7681")
	}

	code, ok := byHost["brave-otter-7-code"]
	if !ok {
		t.Fatal("missing code route")
	}
	if code.UpstreamURL != "http://10.88.0.5:8443" {
		t.Errorf("code upstream = %q, want %q", code.UpstreamURL, "http://10.88.0.5:8443")
	}
}

func TestCaddyRouteManager_BuildCaddyRoute(t *testing.T) {
	manager := newTestManager("http://localhost:2019")

	route := Route{
		Hostname:    "brave-otter-7-terminal",
		UpstreamURL: "http://10.88.0.5:7681",
		ContainerID: "brave-otter-7",
	}

	cRoute := manager.buildCaddyRoute(route)

	if cRoute.ID != "ide-route-brave-otter-7-terminal" {
		t.Errorf("ID = %s, want ide-route-brave-otter-7-terminal", cRoute.ID)
	}

	if len(cRoute.Match) != 1 || len(cRoute.Match[0].Host) != 1 {
		t.Fatalf("unexpected match structure: %+v", cRoute.Match)
	}

	expectedHost := "brave-otter-7-terminal.example.com"
	if cRoute.Match[0].Host[0] != expectedHost {
		t.Errorf("Host = %s, want %s", cRoute.Match[0].Host[0], expectedHost)
	}

	if !cRoute.Terminal {
		t.Error("Terminal = false, want true")
	}

	if len(cRoute.Handle) != 1 || cRoute.Handle[0].Handler != "subroute" {
		t.Fatalf("unexpected handle structure: %+v", cRoute.Handle)
	}

	inner := cRoute.Handle[0].Routes[0].Handle[0]
	if inner.Handler != "reverse_proxy" {
		t.Errorf("Inner handler = %s, want reverse_proxy", inner.Handler)
	}
	if len(inner.Upstreams) != 1 || inner.Upstreams[0].Dial != "10.88.0.5:7681" {
		t.Errorf("Upstream dial = %+v, want 10.88.0.5:7681", inner.Upstreams)
	}
}

func TestCaddyRouteManager_CaddyRouteToRoute(t *testing.T) {
	manager := newTestManager("http://localhost:2019")

	cRoute := caddyRoute{
		ID: "ide-route-brave-otter-7-vnc",
		Match: []caddyMatch{
			{Host: []string{"brave-otter-7-vnc.example.com"}},
		},
		Handle: []caddyHandler{
			{
				Handler: "subroute",
				Routes: []caddySubroute{
					{
						Handle: []caddyHandler{
							{
								Handler: "reverse_proxy",
								Upstreams: []caddyUpstream{
									{Dial: "10.88.0.5:6080"},
								},
							},
						},
					},
				},
			},
		},
		Terminal: true,
	}

	route := manager.caddyRouteToRoute(cRoute)

	if route == nil {
		t.Fatal("caddyRouteToRoute returned nil")
	}
	if route.Hostname != "brave-otter-7-vnc" {
		t.Errorf("Hostname = %s, want brave-otter-7-vnc", route.Hostname)
	}
	if route.UpstreamURL != "http://10.88.0.5:6080" {
		t.Errorf("UpstreamURL = %s, want http://10.88.0.5:6080", route.UpstreamURL)
	}
	if route.ContainerID != "brave-otter-7" {
		t.Errorf("ContainerID = %s, want brave-otter-7", route.ContainerID)
	}
}

func TestCaddyRouteManager_CaddyRouteToRoute_EmptyMatch(t *testing.T) {
	manager := newTestManager("http://localhost:2019")

	cRoute := caddyRoute{
		Match:  []caddyMatch{},
		Handle: []caddyHandler{},
	}

	if route := manager.caddyRouteToRoute(cRoute); route != nil {
		t.Error("caddyRouteToRoute should return nil for empty match")
	}
}

func TestCaddyRouteManager_RouteID(t *testing.T) {
	manager := newTestManager("http://localhost:2019")

	tests := []struct {
		hostname string
		expected string
	}{
		{"brave-otter-7-web", "ide-route-brave-otter-7-web"},
		{"host.with.dots", "ide-route-host-with-dots"},
		{"simple", "ide-route-simple"},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			got := manager.routeID(tt.hostname)
			if got != tt.expected {
				t.Errorf("routeID(%s) = %s, want %s", tt.hostname, got, tt.expected)
			}
		})
	}
}

func newMockCaddy(t *testing.T) (*httptest.Server, map[string]caddyRoute) {
	t.Helper()
	routes := make(map[string]caddyRoute)
	serverExists := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		switch {
		case r.Method == http.MethodGet && path == "/config/":
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{"apps": map[string]interface{}{}})

		case r.Method == http.MethodGet && path == "/config/apps/http/servers/ide":
			if serverExists {
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(caddyServer{Listen: []string{":443"}, Routes: []caddyRoute{}})
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case r.Method == http.MethodPut && strings.HasPrefix(path, "/config/apps/http/servers/ide"):
			serverExists = true
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && strings.HasSuffix(path, "/routes"):
			var route caddyRoute
			if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			routes[route.ID] = route
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet && strings.HasPrefix(path, "/id/"):
			id := strings.TrimPrefix(path, "/id/")
			if route, ok := routes[id]; ok {
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(route)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case r.Method == http.MethodDelete && strings.HasPrefix(path, "/id/"):
			id := strings.TrimPrefix(path, "/id/")
			delete(routes, id)
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/routes"):
			routeList := make([]caddyRoute, 0, len(routes))
			for _, route := range routes {
				routeList = append(routeList, route)
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(routeList)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	return server, routes
}

func TestCaddyRouteManager_WithMockServer(t *testing.T) {
	server, _ := newMockCaddy(t)
	defer server.Close()

	manager := NewCaddyRouteManager(&config.IngressConfig{CaddyAdminURL: server.URL}, "test.local")
	ctx := context.Background()

	if err := manager.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	route := Route{
		Hostname:    "brave-otter-7-terminal",
		UpstreamURL: "http://10.88.0.5:7681",
		ContainerID: "brave-otter-7",
	}

	if err := manager.AddRoute(ctx, route); err != nil {
		t.Fatalf("AddRoute() error = %v", err)
	}

	got, err := manager.GetRoute(ctx, "brave-otter-7-terminal")
	if err != nil {
		t.Fatalf("GetRoute() error = %v", err)
	}
	if got.Hostname != route.Hostname {
		t.Errorf("GetRoute() Hostname = %s, want %s", got.Hostname, route.Hostname)
	}

	list, err := manager.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListRoutes() len = %d, want 1", len(list))
	}

	if err := manager.RemoveRoute(ctx, "brave-otter-7-terminal"); err != nil {
		t.Fatalf("RemoveRoute() error = %v", err)
	}

	if _, err = manager.GetRoute(ctx, "brave-otter-7-terminal"); !errors.Is(err, domain.ErrRouteNotFound) {
		t.Errorf("GetRoute() after remove error = %v, want %v", err, domain.ErrRouteNotFound)
	}
}

func TestAddAndRemoveContainerRoutes_WithMockServer(t *testing.T) {
	server, routes := newMockCaddy(t)
	defer server.Close()

	manager := NewCaddyRouteManager(&config.IngressConfig{CaddyAdminURL: server.URL}, "test.local")
	ctx := context.Background()

	if err := AddContainerRoutes(ctx, manager, "brave-otter-7", "10.88.0.5"); err != nil {
		t.Fatalf("AddContainerRoutes() error = %v", err)
	}
	if len(routes) != len(domain.Services) {
		t.Errorf("route count after add = %d, want %d", len(routes), len(domain.Services))
	}

	if err := RemoveContainerRoutes(ctx, manager, "brave-otter-7"); err != nil {
		t.Fatalf("RemoveContainerRoutes() error = %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("route count after remove = %d, want 0", len(routes))
	}

	// Removing again must succeed (404s tolerated).
	if err := RemoveContainerRoutes(ctx, manager, "brave-otter-7"); err != nil {
		t.Errorf("RemoveContainerRoutes() second call error = %v", err)
	}
}

// Integration tests (require running Caddy)

func TestCaddyRouteManager_AddAndRemoveRoute_Integration(t *testing.T) {
	manager := skipIfNoCaddy(t)

	ctx := context.Background()

	route := Route{
		Hostname:    "ide-integration-test",
		UpstreamURL: "http://localhost:9999",
		ContainerID: "int-test-1",
	}

	if err := manager.AddRoute(ctx, route); err != nil {
		t.Fatalf("AddRoute() error = %v", err)
	}

	defer func() {
		_ = manager.RemoveRoute(ctx, route.Hostname)
	}()

	got, err := manager.GetRoute(ctx, route.Hostname)
	if err != nil {
		t.Fatalf("GetRoute() error = %v", err)
	}
	if got.Hostname != route.Hostname {
		t.Errorf("GetRoute() Hostname = %s, want %s", got.Hostname, route.Hostname)
	}

	if err := manager.RemoveRoute(ctx, route.Hostname); err != nil {
		t.Fatalf("RemoveRoute() error = %v", err)
	}

	if _, err = manager.GetRoute(ctx, route.Hostname); !errors.Is(err, domain.ErrRouteNotFound) {
		t.Errorf("GetRoute() after remove error = %v, want %v", err, domain.ErrRouteNotFound)
	}
}
