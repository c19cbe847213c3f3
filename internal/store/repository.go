package store

import (
	"context"
	"time"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// Repository defines the interface for orchestrator state persistence.
// Implementation: Valkey (Redis-compatible).
type Repository interface {
	// Container descriptors
	SaveContainer(ctx context.Context, c *domain.Container) error
	GetContainer(ctx context.Context, id string) (*domain.Container, error)
	DeleteContainer(ctx context.Context, id string) error

	// ApplyTransition updates a container's status through an atomic
	// generation comparison: the update is applied only when the stored
	// descriptor's generation still equals expectedGen, so a delayed
	// async completion can never override a newer state. runtimeID, when
	// non-empty, is recorded alongside the transition. The updated
	// descriptor (with its bumped generation) is returned.
	ApplyTransition(ctx context.Context, id string, expectedGen uint64, status domain.ContainerStatus, message, runtimeID string) (*domain.Container, error)

	// TouchLastSeen records that a status check observed the container.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// ListByStatus returns all containers currently in the given status.
	ListByStatus(ctx context.Context, status domain.ContainerStatus) ([]*domain.Container, error)

	// Owner claims (idempotent start)
	ClaimOwner(ctx context.Context, ownerKey, containerID string) (bool, error)
	GetOwnerContainer(ctx context.Context, ownerKey string) (string, error)
	ReleaseOwner(ctx context.Context, ownerKey, containerID string) error

	// Host port allocation
	InitializePorts(ctx context.Context) error
	AllocatePort(ctx context.Context) (int, error)
	ReleasePort(ctx context.Context, port int) error

	// Health
	Ping(ctx context.Context) error
}
