package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime using the Docker SDK.
type DockerRuntime struct {
	client       *client.Client
	cfg          *config.RuntimeConfig
	logger       *logging.Logger
	healthClient *http.Client // shared HTTP client for health checks
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime(cfg *config.RuntimeConfig, logger *logging.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client: cli,
		cfg:    cfg,
		logger: logger.With("component", "docker"),
		healthClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
			// Don't follow redirects - a 3xx response means the gateway
			// is up (code-server redirects to its login page)
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Close closes the Docker client connection.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// Create creates and starts a workspace container.
func (r *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	env := buildEnv(opts)

	gatewayPort := nat.Port(fmt.Sprintf("%d/tcp", domain.GatewayPort))

	portBindings := nat.PortMap{
		gatewayPort: []nat.PortBinding{
			{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(opts.HostPort),
			},
		},
	}

	exposedPorts := nat.PortSet{
		gatewayPort: struct{}{},
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Hostname:     opts.Hostname,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels:       opts.Labels,
	}

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyNo,
		},
	}

	var networkCfg *network.NetworkingConfig
	if opts.NetworkID != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.NetworkID: {},
			},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up container on start failure. Error ignored because the
		// container may not have been fully created.
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// Destroy stops and removes a container.
func (r *DockerRuntime) Destroy(ctx context.Context, runtimeID string) error {
	timeout := 10
	if err := r.client.ContainerStop(ctx, runtimeID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Ignore "not found" errors - container might already be stopped/removed
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to stop container: %w", err)
		}
	}

	if err := r.client.ContainerRemove(ctx, runtimeID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	return nil
}

// Inspect returns information about a container.
func (r *DockerRuntime) Inspect(ctx context.Context, runtimeID string) (*Info, error) {
	inspect, err := r.client.ContainerInspect(ctx, runtimeID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, domain.ErrRuntimeContainerNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	ports := make(map[int]int)
	for containerPort, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) > 0 {
			containerPortNum, _ := strconv.Atoi(containerPort.Port())
			hostPort, _ := strconv.Atoi(bindings[0].HostPort)
			ports[containerPortNum] = hostPort
		}
	}

	ipAddress := ""
	if inspect.NetworkSettings != nil {
		ipAddress = inspect.NetworkSettings.IPAddress
		// If using custom network, get IP from that network
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				ipAddress = netSettings.IPAddress
				break
			}
		}
	}

	return &Info{
		ID:        inspect.ID,
		Name:      inspect.Name,
		State:     inspect.State.Status,
		IPAddress: ipAddress,
		Ports:     ports,
	}, nil
}

// HealthCheck checks if the workspace gateway responds to HTTP requests.
func (r *DockerRuntime) HealthCheck(ctx context.Context, runtimeID string) (bool, error) {
	info, err := r.Inspect(ctx, runtimeID)
	if err != nil {
		return false, err
	}

	if info.State != "running" {
		return false, nil
	}

	hostPort, ok := info.Ports[domain.GatewayPort]
	if !ok {
		return false, nil
	}

	return CheckGatewayHealth(ctx, r.healthClient, hostPort, runtimeID, r.logger)
}

// Compile-time check that DockerRuntime implements Runtime
var _ Runtime = (*DockerRuntime)(nil)
