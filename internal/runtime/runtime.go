package runtime

import (
	"context"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// Labels applied to every container managed by this service. The local
// agent uses LabelContainerID to map workspace IDs back to host ports.
const (
	LabelContainerID = "ide.container-id"
	LabelOwnerKey    = "ide.owner-key"
	LabelManagedBy   = "ide.managed-by"

	ManagedByValue = "ide-orchestrator"
)

// Runtime defines the interface for container operations.
// Implementations: Docker (dev), Podman (production).
type Runtime interface {
	// Create creates and starts a workspace container.
	// Returns the runtime container ID.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Inspect returns information about a container.
	Inspect(ctx context.Context, runtimeID string) (*Info, error)

	// Destroy stops and removes a container. Removing a container that
	// no longer exists is not an error.
	Destroy(ctx context.Context, runtimeID string) error

	// HealthCheck reports whether the workspace gateway inside the
	// container is accepting requests.
	HealthCheck(ctx context.Context, runtimeID string) (bool, error)
}

// CreateOptions configures a new workspace container.
type CreateOptions struct {
	Name      string            // container name (the workspace ID)
	Image     string            // workspace image
	Hostname  string            // hostname inside the container
	HostPort  int               // host port mapped to the gateway port
	EnvVars   map[string]string // extra environment variables
	Labels    map[string]string // container labels
	NetworkID string            // Docker/Podman network
}

// Info holds information about a container.
type Info struct {
	ID        string
	Name      string
	State     string // native runtime state: running, exited, etc.
	IPAddress string
	Ports     map[int]int // container port -> host port
}

// StatusFromState maps a native runtime state to a coarse container
// status. Terminal native states map to stopped; callers that need to
// distinguish stopped from killed compare against the stored status.
func StatusFromState(state string) domain.ContainerStatus {
	switch state {
	case "created", "restarting", "initialized":
		return domain.StatusStarting
	case "running", "paused":
		return domain.StatusRunning
	default:
		return domain.StatusStopped
	}
}
