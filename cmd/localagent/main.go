// Command localagent serves workspace traffic in local mode.
//
// In remote mode every workspace service gets its own subdomain routed by
// the ingress. On a developer machine there is no wildcard DNS, so the
// agent exposes a single port and proxies path-based URLs of the form
// /ide/{containerId}/{service}/... to the workspace gateway published on
// the container's host port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/runtime"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// portCacheTTL bounds how long a resolved host port is reused before the
// agent asks Docker again. Containers keep their port for their whole
// lifetime, so this only delays noticing a teardown.
const portCacheTTL = 10 * time.Second

type cachedPort struct {
	hostPort  int
	expiresAt time.Time
}

// agent resolves container identifiers to published gateway ports.
type agent struct {
	docker *client.Client
	logger *logging.Logger

	mu    sync.Mutex
	cache map[string]cachedPort
}

func newAgent(docker *client.Client, logger *logging.Logger) *agent {
	return &agent{
		docker: docker,
		logger: logger,
		cache:  make(map[string]cachedPort),
	}
}

// hostPortFor finds the host port publishing the workspace gateway of the
// container labeled with the given identifier.
func (a *agent) hostPortFor(ctx context.Context, containerID string) (int, error) {
	a.mu.Lock()
	if entry, ok := a.cache[containerID]; ok && time.Now().Before(entry.expiresAt) {
		a.mu.Unlock()
		return entry.hostPort, nil
	}
	a.mu.Unlock()

	listFilters := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", runtime.LabelContainerID, containerID)),
		filters.Arg("label", fmt.Sprintf("%s=%s", runtime.LabelManagedBy, runtime.ManagedByValue)),
	)
	containers, err := a.docker.ContainerList(ctx, container.ListOptions{Filters: listFilters})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return 0, domain.ErrRuntimeContainerNotFound
	}

	for _, c := range containers {
		for _, p := range c.Ports {
			if int(p.PrivatePort) == domain.GatewayPort && p.PublicPort != 0 {
				hostPort := int(p.PublicPort)
				a.mu.Lock()
				a.cache[containerID] = cachedPort{hostPort: hostPort, expiresAt: time.Now().Add(portCacheTTL)}
				a.mu.Unlock()
				return hostPort, nil
			}
		}
	}

	return 0, fmt.Errorf("container %s has no published gateway port", containerID)
}

func (a *agent) forget(containerID string) {
	a.mu.Lock()
	delete(a.cache, containerID)
	a.mu.Unlock()
}

// proxyHandler forwards /ide/:containerId/:service/*path to the workspace
// gateway, keeping the service name as the gateway's path prefix.
func (a *agent) proxyHandler(c *gin.Context) {
	containerID := c.Param("containerId")
	service := c.Param("service")

	if _, ok := domain.ServicePorts[service]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown service: %s", service)})
		return
	}

	hostPort, err := a.hostPortFor(c.Request.Context(), containerID)
	if err != nil {
		a.forget(containerID)
		a.logger.Warn("Failed to resolve workspace", "containerId", containerID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "workspace unavailable"})
		return
	}

	target := &url.URL{
		Scheme: "http",
		Host:   "127.0.0.1:" + strconv.Itoa(hostPort),
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = "/" + service + c.Param("path")
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.forget(containerID)
		a.logger.Warn("Proxy error", "containerId", containerID, "service", service, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With("component", "localagent")

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal("Failed to create docker client", "error", err)
	}
	defer docker.Close()

	a := newAgent(docker, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.Any("/ide/:containerId/:service/*path", a.proxyHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Endpoints.AgentHost, cfg.Endpoints.AgentPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Local agent listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}
}
