package queue

import (
	"context"
	"time"
)

// Publisher defines the interface for publishing tasks to the queue.
// Implementation: NATS JetStream.
type Publisher interface {
	// PublishProvisionTask queues the async provisioning of a container
	// that was already recorded in `starting` state.
	PublishProvisionTask(ctx context.Context, task ProvisionTask) error

	// PublishTeardownTask queues the teardown of a container terminated
	// outside an explicit stop (idle reap, detected kill).
	PublishTeardownTask(ctx context.Context, task TeardownTask) error

	// Close closes the publisher connection.
	Close() error
}

// Consumer defines the interface for consuming tasks from the queue.
type Consumer interface {
	// Start begins consuming messages and processing them with the handlers.
	Start(ctx context.Context) error

	// Stop gracefully stops the consumer.
	Stop(ctx context.Context) error
}

// ProvisionTask asks a worker to provision the runtime container backing
// a descriptor. Generation pins the task to the descriptor revision it
// was created for, so a completion arriving after a stop cannot
// resurrect the container.
type ProvisionTask struct {
	TaskID      string    `json:"task_id"`
	ContainerID string    `json:"container_id"`
	Generation  uint64    `json:"generation"`
	CreatedAt   time.Time `json:"created_at"`
}

// TeardownTask asks a worker to tear down a container and release its
// resources. Reason is surfaced to subscribers via the state-change event.
type TeardownTask struct {
	TaskID      string    `json:"task_id"`
	ContainerID string    `json:"container_id"`
	RuntimeID   string    `json:"runtime_id"`
	OwnerKey    string    `json:"owner_key"`
	HostPort    int       `json:"host_port"`
	Generation  uint64    `json:"generation"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProvisionTaskHandler processes provision tasks.
type ProvisionTaskHandler func(ctx context.Context, task ProvisionTask) error

// TeardownTaskHandler processes teardown tasks.
type TeardownTaskHandler func(ctx context.Context, task TeardownTask) error
