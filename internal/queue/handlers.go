package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/database"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/events"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/internal/proxy"
	"github.com/classla/ide-orchestrator/internal/runtime"
	"github.com/classla/ide-orchestrator/internal/store"
	"github.com/classla/ide-orchestrator/pkg/logging"
)

// Handlers processes NATS queue tasks.
type Handlers struct {
	repo    store.Repository
	runtime runtime.Runtime
	routes  proxy.RouteManager // Optional - can be nil
	ids     *ident.Allocator
	bus     *events.Bus
	ledger  *database.SessionLedger // Optional - can be nil
	metrics *metrics.Collector
	cfg     *config.Config
	logger  *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	repo store.Repository,
	rt runtime.Runtime,
	routes proxy.RouteManager,
	ids *ident.Allocator,
	bus *events.Bus,
	ledger *database.SessionLedger,
	collector *metrics.Collector,
	cfg *config.Config,
	logger *logging.Logger,
) *Handlers {
	return &Handlers{
		repo:    repo,
		runtime: rt,
		routes:  routes,
		ids:     ids,
		bus:     bus,
		ledger:  ledger,
		metrics: collector,
		cfg:     cfg,
		logger:  logger.With("component", "queue-handlers"),
	}
}

// ProvisionHandler creates the runtime container for a pending descriptor,
// waits for its gateway to answer, and promotes it to running.
//
// The task carries the descriptor generation it was created for. If the
// descriptor moved on (a stop raced the provision), the final compare-and-set
// fails and the handler destroys the container it just built instead of
// resurrecting a stopped workspace.
//
// Provisioning failures transition the container to failed and are NOT
// retried: the handler returns nil so the message is acked, and the caller
// has to issue a fresh start.
func (h *Handlers) ProvisionHandler(ctx context.Context, task ProvisionTask) error {
	logger := h.logger.With("containerID", task.ContainerID, "taskID", task.TaskID)

	c, err := h.repo.GetContainer(ctx, task.ContainerID)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			logger.Warn("Provision task for unknown container, dropping")
			return nil
		}
		return fmt.Errorf("failed to load container: %w", err)
	}

	if c.Status != domain.StatusStarting || c.Generation != task.Generation {
		logger.Info("Provision task is stale, dropping",
			"status", c.Status, "generation", c.Generation, "taskGeneration", task.Generation)
		return nil
	}

	start := time.Now()

	runtimeID, err := h.runtime.Create(ctx, runtime.CreateOptions{
		Name:     c.ID,
		Image:    h.cfg.Runtime.Image,
		Hostname: c.ID,
		HostPort: c.HostPort,
		Labels: map[string]string{
			runtime.LabelContainerID: c.ID,
			runtime.LabelOwnerKey:    c.OwnerKey,
			runtime.LabelManagedBy:   runtime.ManagedByValue,
		},
		NetworkID: h.cfg.Runtime.Network,
	})
	if err != nil {
		logger.Error("Failed to create runtime container", "error", err)
		h.failProvision(ctx, c, task.Generation, "", fmt.Sprintf("create failed: %v", err))
		return nil
	}

	logger = logger.With("runtimeID", runtimeID)

	info, err := h.runtime.Inspect(ctx, runtimeID)
	if err != nil {
		logger.Error("Failed to inspect runtime container", "error", err)
		h.failProvision(ctx, c, task.Generation, runtimeID, fmt.Sprintf("inspect failed: %v", err))
		return nil
	}

	if c.Mode == domain.ModeRemote && h.routes != nil {
		if err := proxy.AddContainerRoutes(ctx, h.routes, c.ID, info.IPAddress); err != nil {
			h.metrics.RouteOpsTotal.WithLabelValues("add", "failure").Inc()
			logger.Error("Failed to add ingress routes", "error", err)
			h.failProvision(ctx, c, task.Generation, runtimeID, fmt.Sprintf("routing failed: %v", err))
			return nil
		}
		h.metrics.RouteOpsTotal.WithLabelValues("add", "success").Inc()
	}

	readyStart := time.Now()
	if err := h.waitForReady(ctx, runtimeID); err != nil {
		logger.Error("Workspace never became ready", "error", err)
		h.failProvision(ctx, c, task.Generation, runtimeID, fmt.Sprintf("not ready: %v", err))
		return nil
	}
	h.metrics.ReadyWaitDuration.Observe(time.Since(readyStart).Seconds())

	updated, err := h.repo.ApplyTransition(ctx, c.ID, task.Generation, domain.StatusRunning, "", runtimeID)
	if err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) {
			// A stop won the race. The stopper released the owner and
			// port already; this worker only owns the container it built.
			logger.Info("Container was stopped during provisioning, destroying orphan")
			h.destroyRuntime(ctx, runtimeID, c.ID)
			h.metrics.ProvisionsTotal.WithLabelValues("superseded").Inc()
			return nil
		}
		logger.Error("Failed to mark container running", "error", err)
		h.failProvision(ctx, c, task.Generation, runtimeID, fmt.Sprintf("store update failed: %v", err))
		return nil
	}

	h.bus.Publish(domain.StateChange{
		ContainerID: updated.ID,
		Previous:    domain.StatusStarting,
		New:         domain.StatusRunning,
		At:          time.Now(),
	})

	h.metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	h.metrics.ProvisionDuration.Observe(time.Since(start).Seconds())

	logger.Info("Workspace is running", "durationMs", time.Since(start).Milliseconds())
	return nil
}

// failProvision transitions the container to failed and releases the
// resources the start had claimed. The descriptor itself is kept so the
// failure is visible to status queries until the reaper removes it.
func (h *Handlers) failProvision(ctx context.Context, c *domain.Container, gen uint64, runtimeID, message string) {
	h.metrics.ProvisionsTotal.WithLabelValues("failure").Inc()

	if runtimeID != "" {
		h.destroyRuntime(ctx, runtimeID, c.ID)
	}

	if _, err := h.repo.ApplyTransition(ctx, c.ID, gen, domain.StatusFailed, message, runtimeID); err != nil {
		if !errors.Is(err, domain.ErrStaleGeneration) {
			h.logger.Error("Failed to mark container failed",
				"containerID", c.ID, "error", err)
		}
		// A concurrent stop already moved the container on and released
		// its resources; nothing further to do.
		return
	}

	h.bus.Publish(domain.StateChange{
		ContainerID: c.ID,
		Previous:    domain.StatusStarting,
		New:         domain.StatusFailed,
		Reason:      message,
		At:          time.Now(),
	})

	if err := h.repo.ReleaseOwner(ctx, c.OwnerKey, c.ID); err != nil {
		h.logger.Warn("Failed to release owner after provision failure",
			"ownerKey", c.OwnerKey, "error", err)
	}
	if c.HostPort > 0 {
		if err := h.repo.ReleasePort(ctx, c.HostPort); err != nil {
			h.logger.Warn("Failed to release port after provision failure",
				"port", c.HostPort, "error", err)
		}
	}

	if h.ledger != nil {
		if err := h.ledger.RecordEnd(ctx, c.ID, string(domain.StatusFailed), time.Now()); err != nil {
			h.logger.Warn("Failed to record session end", "containerID", c.ID, "error", err)
		}
	}
}

// destroyRuntime destroys a runtime container and removes its ingress
// routes, logging rather than failing on errors.
func (h *Handlers) destroyRuntime(ctx context.Context, runtimeID, containerID string) {
	if err := h.runtime.Destroy(ctx, runtimeID); err != nil {
		h.logger.Warn("Failed to destroy runtime container",
			"runtimeID", runtimeID, "error", err)
	}
	if h.routes != nil {
		if err := proxy.RemoveContainerRoutes(ctx, h.routes, containerID); err != nil {
			h.metrics.RouteOpsTotal.WithLabelValues("remove", "failure").Inc()
			h.logger.Warn("Failed to remove ingress routes",
				"containerID", containerID, "error", err)
		} else {
			h.metrics.RouteOpsTotal.WithLabelValues("remove", "success").Inc()
		}
	}
}

// waitForReady polls the workspace gateway until it answers or the ready
// timeout elapses.
func (h *Handlers) waitForReady(ctx context.Context, runtimeID string) error {
	deadline := time.Now().Add(h.cfg.Lifecycle.ReadyTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		healthy, err := h.runtime.HealthCheck(ctx, runtimeID)
		if err == nil && healthy {
			return nil
		}
		if err != nil {
			h.logger.Debug("Health check error", "runtimeID", runtimeID, "error", err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("gateway not ready after %s", h.cfg.Lifecycle.ReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TeardownHandler destroys a container that was terminated without a
// user-issued stop (idle reap, external kill) and releases everything it
// held. Every step is idempotent so redelivered tasks converge on the
// same end state.
func (h *Handlers) TeardownHandler(ctx context.Context, task TeardownTask) error {
	logger := h.logger.With("containerID", task.ContainerID, "taskID", task.TaskID)
	logger.Info("Processing teardown task", "reason", task.Reason)

	// 1. Destroy the runtime container (tolerates already-gone)
	if task.RuntimeID != "" {
		if err := h.runtime.Destroy(ctx, task.RuntimeID); err != nil {
			logger.Warn("Failed to destroy runtime container (may already be gone)",
				"runtimeID", task.RuntimeID, "error", err)
		}
	}

	// 2. Remove ingress routes (Caddy returns 404 on not found)
	if h.routes != nil {
		if err := proxy.RemoveContainerRoutes(ctx, h.routes, task.ContainerID); err != nil {
			h.metrics.RouteOpsTotal.WithLabelValues("remove", "failure").Inc()
			logger.Warn("Failed to remove ingress routes", "error", err)
		} else {
			h.metrics.RouteOpsTotal.WithLabelValues("remove", "success").Inc()
		}
	}

	// 3. Mark the container killed. A redelivered task or a racing stop
	// loses the compare-and-set; the record is already terminal then.
	previous := domain.StatusRunning
	if c, err := h.repo.GetContainer(ctx, task.ContainerID); err == nil {
		previous = c.Status
	}

	if _, err := h.repo.ApplyTransition(ctx, task.ContainerID, task.Generation, domain.StatusKilled, task.Reason, ""); err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) || errors.Is(err, domain.ErrStaleGeneration) {
			logger.Debug("Container already transitioned", "error", err)
		} else {
			logger.Warn("Failed to mark container killed", "error", err)
		}
	} else {
		h.bus.Publish(domain.StateChange{
			ContainerID: task.ContainerID,
			Previous:    previous,
			New:         domain.StatusKilled,
			Reason:      task.Reason,
			At:          time.Now(),
		})
	}

	// 4. Release the owner claim (no-op if reassigned or gone)
	if task.OwnerKey != "" {
		if err := h.repo.ReleaseOwner(ctx, task.OwnerKey, task.ContainerID); err != nil {
			logger.Warn("Failed to release owner", "ownerKey", task.OwnerKey, "error", err)
		}
	}

	// 5. Release the host port back to the pool
	if task.HostPort > 0 {
		if err := h.repo.ReleasePort(ctx, task.HostPort); err != nil {
			logger.Warn("Failed to release port", "port", task.HostPort, "error", err)
		}
	}

	// 6. Release the readable ID for reuse
	if err := h.ids.Release(ctx, task.ContainerID); err != nil {
		logger.Warn("Failed to release container ID", "error", err)
	}

	// 7. Close out the session ledger entry
	if h.ledger != nil {
		if err := h.ledger.RecordEnd(ctx, task.ContainerID, string(domain.StatusKilled), time.Now()); err != nil {
			logger.Warn("Failed to record session end", "error", err)
		}
	}

	logger.Info("Teardown task completed")
	return nil
}
