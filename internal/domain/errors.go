package domain

import "errors"

var (
	// ErrAllocationExhausted is returned when the identifier allocator
	// cannot find a free ID within its attempt budget.
	ErrAllocationExhausted = errors.New("id allocation exhausted: no free identifier found")

	// ErrInvalidContainerID is returned when an identifier fails the
	// DNS-label validation rule.
	ErrInvalidContainerID = errors.New("invalid container id")

	// ErrContainerNotFound is returned when the requested container doesn't exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrContainerTerminal is returned when an operation requires a live
	// container but its last known status is terminal.
	ErrContainerTerminal = errors.New("container is in a terminal state")

	// ErrStaleGeneration is returned when a descriptor update loses a
	// generation-stamp comparison against a newer concurrent update.
	ErrStaleGeneration = errors.New("stale generation: descriptor was updated concurrently")

	// ErrNoPortsAvailable is returned when all host ports in the
	// configured range are in use.
	ErrNoPortsAvailable = errors.New("no host ports available")

	// ErrRuntimeContainerNotFound is returned when the provisioning
	// backend has no container for the given runtime handle.
	ErrRuntimeContainerNotFound = errors.New("runtime container not found")

	// ErrRouteNotFound is returned when the ingress has no route for the
	// given container.
	ErrRouteNotFound = errors.New("route not found")
)
