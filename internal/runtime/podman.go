package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/specgen"
	nettypes "github.com/containers/common/libnetwork/types"
)

// PodmanRuntime implements Runtime using the Podman API.
type PodmanRuntime struct {
	conn         context.Context // Podman connection context
	cfg          *config.RuntimeConfig
	logger       *logging.Logger
	healthClient *http.Client
}

// NewPodmanRuntime creates a new Podman-based runtime.
func NewPodmanRuntime(cfg *config.RuntimeConfig, logger *logging.Logger) (*PodmanRuntime, error) {
	conn, err := bindings.NewConnection(context.Background(), cfg.PodmanSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Podman socket at %s: %w", cfg.PodmanSocket, err)
	}

	return &PodmanRuntime{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "podman"),
		healthClient: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Close is a no-op for Podman (connection is context-based).
func (r *PodmanRuntime) Close() error {
	return nil
}

// Create creates and starts a workspace container.
func (r *PodmanRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	env := buildEnvMap(opts)

	s := specgen.NewSpecGenerator(opts.Image, false)
	s.Name = opts.Name
	s.Hostname = opts.Hostname
	s.Env = env
	s.Labels = opts.Labels

	s.PortMappings = []nettypes.PortMapping{
		{
			ContainerPort: uint16(domain.GatewayPort),
			HostPort:      uint16(opts.HostPort),
			HostIP:        "127.0.0.1",
			Protocol:      "tcp",
		},
	}

	if opts.NetworkID != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			opts.NetworkID: {},
		}
	}

	createResponse, err := containers.CreateWithSpec(r.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := containers.Start(r.conn, createResponse.ID, nil); err != nil {
		// Cleanup on failure
		_, _ = containers.Remove(r.conn, createResponse.ID, new(containers.RemoveOptions).WithForce(true))
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return createResponse.ID, nil
}

// Destroy stops and removes a container.
func (r *PodmanRuntime) Destroy(ctx context.Context, runtimeID string) error {
	timeout := uint(10)
	stopOpts := new(containers.StopOptions).WithTimeout(timeout).WithIgnore(true)
	if err := containers.Stop(r.conn, runtimeID, stopOpts); err != nil {
		// Log but continue to remove
		if !strings.Contains(err.Error(), "no such container") {
			r.logger.Warn("failed to stop container", "runtimeID", runtimeID, "error", err)
		}
	}

	removeOpts := new(containers.RemoveOptions).WithForce(true).WithIgnore(true)
	if _, err := containers.Remove(r.conn, runtimeID, removeOpts); err != nil {
		if !strings.Contains(err.Error(), "no such container") {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	return nil
}

// Inspect returns information about a container.
func (r *PodmanRuntime) Inspect(ctx context.Context, runtimeID string) (*Info, error) {
	data, err := containers.Inspect(r.conn, runtimeID, nil)
	if err != nil {
		if strings.Contains(err.Error(), "no such container") {
			return nil, domain.ErrRuntimeContainerNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	ports := make(map[int]int)
	for portProto, bindings := range data.NetworkSettings.Ports {
		if len(bindings) > 0 {
			// Parse "8080/tcp" format
			portStr := strings.Split(string(portProto), "/")[0]
			containerPort, _ := strconv.Atoi(portStr)
			hostPort, _ := strconv.Atoi(bindings[0].HostPort)
			ports[containerPort] = hostPort
		}
	}

	ipAddress := ""
	if data.NetworkSettings != nil {
		ipAddress = data.NetworkSettings.IPAddress
		for _, netSettings := range data.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				ipAddress = netSettings.IPAddress
				break
			}
		}
	}

	return &Info{
		ID:        data.ID,
		Name:      data.Name,
		State:     data.State.Status,
		IPAddress: ipAddress,
		Ports:     ports,
	}, nil
}

// HealthCheck checks if the workspace gateway responds to HTTP requests.
func (r *PodmanRuntime) HealthCheck(ctx context.Context, runtimeID string) (bool, error) {
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

// Compile-time check that PodmanRuntime implements Runtime
var _ Runtime = (*PodmanRuntime)(nil)
