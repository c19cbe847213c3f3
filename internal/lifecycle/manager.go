package lifecycle

import (
	"context"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// StartRequest carries everything needed to start (or find) a container
// for a user working on an exercise.
type StartRequest struct {
	UserID    string
	BucketRef string
	Mode      domain.EnvironmentMode
}

// Stats is a point-in-time census of the orchestrator's containers.
type Stats struct {
	ByStatus map[domain.ContainerStatus]int `json:"by_status"`
	UsedIDs  int64                          `json:"used_ids"`
}

// Manager drives the container lifecycle.
type Manager interface {
	// Start returns the caller's container, creating one when none
	// exists. The bool reports whether a new container was created.
	//
	// Start is idempotent per (user, bucket): while a non-terminal
	// container exists for that pair, repeated calls return it
	// unchanged instead of provisioning a second one.
	Start(ctx context.Context, req StartRequest) (*domain.Container, bool, error)

	// Get returns the stored descriptor without contacting the runtime.
	Get(ctx context.Context, containerID string) (*domain.Container, error)

	// CheckStatus reconciles the stored descriptor against the runtime.
	// Terminal containers are returned as-is; the runtime is never
	// consulted for them. A running container whose backing runtime
	// container has disappeared is transitioned to killed.
	CheckStatus(ctx context.Context, containerID string) (*domain.Container, error)

	// Stop tears the container down synchronously. Stopping an already
	// terminal container is an acknowledgement: it releases any
	// leftover resources and succeeds.
	Stop(ctx context.Context, containerID string) (*domain.Container, error)

	// Stats returns the current container census.
	Stats(ctx context.Context) (*Stats, error)

	// StartReaper starts the background loop that tears down idle
	// running containers and expires old terminal records.
	StartReaper(ctx context.Context) error

	// StopReaper stops the background loop and waits for it to exit.
	StopReaper() error
}
