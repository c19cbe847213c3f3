package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/database"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/endpoints"
	"github.com/classla/ide-orchestrator/internal/events"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/internal/proxy"
	"github.com/classla/ide-orchestrator/internal/queue"
	"github.com/classla/ide-orchestrator/internal/runtime"
	"github.com/classla/ide-orchestrator/internal/store"
	"github.com/classla/ide-orchestrator/pkg/logging"
)

// ContainerManager implements the Manager interface.
type ContainerManager struct {
	cfg       *config.Config
	repo      store.Repository
	runtime   runtime.Runtime
	routes    proxy.RouteManager // Optional - can be nil
	ids       *ident.Allocator
	bus       *events.Bus
	ledger    *database.SessionLedger // Optional - can be nil
	publisher queue.Publisher
	resolver  *endpoints.Selector
	logger    *logging.Logger
	metrics   *metrics.Collector

	locks *keyedMutex

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewContainerManager creates a new lifecycle manager.
// routes and ledger are optional and can be nil.
func NewContainerManager(
	cfg *config.Config,
	repo store.Repository,
	rt runtime.Runtime,
	routes proxy.RouteManager,
	ids *ident.Allocator,
	bus *events.Bus,
	ledger *database.SessionLedger,
	publisher queue.Publisher,
	resolver *endpoints.Selector,
	logger *logging.Logger,
	m *metrics.Collector,
) *ContainerManager {
	return &ContainerManager{
		cfg:       cfg,
		repo:      repo,
		runtime:   rt,
		routes:    routes,
		ids:       ids,
		bus:       bus,
		ledger:    ledger,
		publisher: publisher,
		resolver:  resolver,
		logger:    logger.With("component", "lifecycle"),
		metrics:   m,
		locks:     newKeyedMutex(),
	}
}

// Start returns the owner's container, provisioning a new one when no
// usable container exists for the (user, bucket) pair.
func (m *ContainerManager) Start(ctx context.Context, req StartRequest) (*domain.Container, bool, error) {
	ownerKey := domain.MakeOwnerKey(req.UserID, req.BucketRef)

	m.locks.Lock(ownerKey)
	defer m.locks.Unlock(ownerKey)

	// Reuse the owner's container while it is not terminal.
	existingID, err := m.repo.GetOwnerContainer(ctx, ownerKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up owner: %w", err)
	}
	if existingID != "" {
		c, err := m.repo.GetContainer(ctx, existingID)
		switch {
		case err == nil && !c.Terminal():
			m.metrics.StartsTotal.WithLabelValues("reused").Inc()
			return c, false, nil
		case err == nil:
			// Terminal container still claims the owner. Release the
			// claim and provision fresh.
			if relErr := m.repo.ReleaseOwner(ctx, ownerKey, existingID); relErr != nil {
				return nil, false, fmt.Errorf("failed to release stale owner claim: %w", relErr)
			}
		case errors.Is(err, domain.ErrContainerNotFound):
			if relErr := m.repo.ReleaseOwner(ctx, ownerKey, existingID); relErr != nil {
				return nil, false, fmt.Errorf("failed to release dangling owner claim: %w", relErr)
			}
		default:
			return nil, false, fmt.Errorf("failed to load owner container: %w", err)
		}
	}

	c, err := m.provision(ctx, ownerKey, req)
	if err != nil {
		m.metrics.StartsTotal.WithLabelValues("failure").Inc()
		return nil, false, err
	}

	m.metrics.StartsTotal.WithLabelValues("created").Inc()
	return c, true, nil
}

// provision claims an ID, a port and the owner key, persists the starting
// descriptor and enqueues the provisioning task.
func (m *ContainerManager) provision(ctx context.Context, ownerKey string, req StartRequest) (*domain.Container, error) {
	id, err := m.claimID(ctx)
	if err != nil {
		return nil, err
	}

	port, err := m.repo.AllocatePort(ctx)
	if err != nil {
		_ = m.ids.Release(ctx, id)
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}

	now := time.Now()
	c := &domain.Container{
		ID:         id,
		OwnerKey:   ownerKey,
		BucketRef:  req.BucketRef,
		Status:     domain.StatusStarting,
		Mode:       req.Mode,
		HostPort:   port,
		URLs:       m.resolver.For(req.Mode).Resolve(id),
		Generation: 1,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	if err := m.repo.SaveContainer(ctx, c); err != nil {
		m.releaseClaims(ctx, c)
		return nil, fmt.Errorf("failed to persist container: %w", err)
	}

	claimed, err := m.repo.ClaimOwner(ctx, ownerKey, id)
	if err != nil {
		_ = m.repo.DeleteContainer(ctx, id)
		m.releaseClaims(ctx, c)
		return nil, fmt.Errorf("failed to claim owner: %w", err)
	}
	if !claimed {
		// Another process won the claim between our lookup and here.
		_ = m.repo.DeleteContainer(ctx, id)
		m.releaseClaims(ctx, c)
		winnerID, err := m.repo.GetOwnerContainer(ctx, ownerKey)
		if err != nil || winnerID == "" {
			return nil, fmt.Errorf("lost owner claim race and no winner found")
		}
		return m.repo.GetContainer(ctx, winnerID)
	}

	task := queue.ProvisionTask{
		TaskID:      fmt.Sprintf("provision-%s-%d", id, c.Generation),
		ContainerID: id,
		Generation:  c.Generation,
		CreatedAt:   now,
	}
	if err := m.publisher.PublishProvisionTask(ctx, task); err != nil {
		// Without a queued task the container would hang in starting
		// forever. Fail the start and release everything.
		if _, trErr := m.repo.ApplyTransition(ctx, id, c.Generation, domain.StatusFailed, "failed to enqueue provisioning", ""); trErr != nil {
			m.logger.Error("Failed to mark container failed after publish error",
				"containerID", id, "error", trErr)
		}
		_ = m.repo.ReleaseOwner(ctx, ownerKey, id)
		m.releaseClaims(ctx, c)
		return nil, fmt.Errorf("failed to enqueue provision task: %w", err)
	}

	if m.ledger != nil {
		if err := m.ledger.RecordStart(ctx, id, ownerKey, req.BucketRef, string(req.Mode), now); err != nil {
			m.logger.Warn("Failed to record session start", "containerID", id, "error", err)
		}
	}

	m.bus.Publish(domain.StateChange{
		ContainerID: id,
		Previous:    domain.StatusPending,
		New:         domain.StatusStarting,
		At:          now,
	})

	m.logger.Info("Container start enqueued",
		"containerID", id, "ownerKey", ownerKey, "port", port, "mode", c.Mode)

	return c, nil
}

// claimID generates readable IDs until one is atomically claimed.
func (m *ContainerManager) claimID(ctx context.Context) (string, error) {
	attempts := m.cfg.Allocator.MaxAttempts
	if attempts <= 0 {
		attempts = ident.DefaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		id, err := m.ids.GenerateReadableID(ctx, m.cfg.Allocator.IDLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate container ID: %w", err)
		}
		claimed, err := m.ids.MarkUsed(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to claim container ID: %w", err)
		}
		if claimed {
			return id, nil
		}
	}

	return "", domain.ErrAllocationExhausted
}

// releaseClaims returns the container's port and ID to their pools.
func (m *ContainerManager) releaseClaims(ctx context.Context, c *domain.Container) {
	if c.HostPort > 0 {
		if err := m.repo.ReleasePort(ctx, c.HostPort); err != nil {
			m.logger.Warn("Failed to release port", "port", c.HostPort, "error", err)
		}
	}
	if err := m.ids.Release(ctx, c.ID); err != nil {
		m.logger.Warn("Failed to release container ID", "containerID", c.ID, "error", err)
	}
}

// Get returns the stored descriptor.
func (m *ContainerManager) Get(ctx context.Context, containerID string) (*domain.Container, error) {
	return m.repo.GetContainer(ctx, containerID)
}

// CheckStatus reconciles the stored descriptor against the runtime.
func (m *ContainerManager) CheckStatus(ctx context.Context, containerID string) (*domain.Container, error) {
	m.locks.Lock(containerID)
	defer m.locks.Unlock(containerID)

	c, err := m.repo.GetContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	// Terminal states are final: report them without touching the runtime.
	if c.Terminal() {
		m.metrics.StatusChecksTotal.WithLabelValues("terminal").Inc()
		return c, nil
	}

	// No runtime container yet while provisioning is queued or underway.
	if c.RuntimeID == "" {
		m.touch(ctx, c)
		m.metrics.StatusChecksTotal.WithLabelValues("provisioning").Inc()
		return c, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.RuntimeCallTimeout)
	defer cancel()

	start := time.Now()
	info, err := m.runtime.Inspect(callCtx, c.RuntimeID)
	m.metrics.HealthCheckDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, domain.ErrRuntimeContainerNotFound) {
			m.metrics.StatusChecksTotal.WithLabelValues("missing").Inc()
			return m.markKilled(ctx, c, "runtime container missing")
		}
		m.metrics.StatusChecksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to inspect runtime container: %w", err)
	}

	native := runtime.StatusFromState(info.State)
	if c.Status == domain.StatusRunning && native == domain.StatusStopped {
		// The runtime container exited without a stop request: a crash
		// or an out-of-band docker stop. Report it as killed.
		m.metrics.StatusChecksTotal.WithLabelValues("exited").Inc()
		return m.markKilled(ctx, c, fmt.Sprintf("runtime container %s", info.State))
	}

	m.touch(ctx, c)
	m.metrics.StatusChecksTotal.WithLabelValues("ok").Inc()
	return c, nil
}

// markKilled transitions a container to killed and releases everything it
// held. Used when a status check discovers the runtime container is gone.
func (m *ContainerManager) markKilled(ctx context.Context, c *domain.Container, reason string) (*domain.Container, error) {
	updated, err := m.repo.ApplyTransition(ctx, c.ID, c.Generation, domain.StatusKilled, reason, "")
	if err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) {
			// Someone else transitioned it first; report their result.
			return m.repo.GetContainer(ctx, c.ID)
		}
		return nil, fmt.Errorf("failed to mark container killed: %w", err)
	}

	m.metrics.KillsDetected.Inc()

	m.bus.Publish(domain.StateChange{
		ContainerID: c.ID,
		Previous:    c.Status,
		New:         domain.StatusKilled,
		Reason:      reason,
		At:          time.Now(),
	})

	if m.routes != nil && c.Mode == domain.ModeRemote {
		if err := proxy.RemoveContainerRoutes(ctx, m.routes, c.ID); err != nil {
			m.metrics.RouteOpsTotal.WithLabelValues("remove", "failure").Inc()
			m.logger.Warn("Failed to remove ingress routes", "containerID", c.ID, "error", err)
		} else {
			m.metrics.RouteOpsTotal.WithLabelValues("remove", "success").Inc()
		}
	}

	if err := m.repo.ReleaseOwner(ctx, c.OwnerKey, c.ID); err != nil {
		m.logger.Warn("Failed to release owner", "ownerKey", c.OwnerKey, "error", err)
	}
	m.releaseClaims(ctx, c)

	if m.ledger != nil {
		if err := m.ledger.RecordEnd(ctx, c.ID, string(domain.StatusKilled), time.Now()); err != nil {
			m.logger.Warn("Failed to record session end", "containerID", c.ID, "error", err)
		}
	}

	m.logger.Info("Detected externally terminated container",
		"containerID", c.ID, "reason", reason)

	return updated, nil
}

func (m *ContainerManager) touch(ctx context.Context, c *domain.Container) {
	now := time.Now()
	if err := m.repo.TouchLastSeen(ctx, c.ID, now); err != nil {
		m.logger.Warn("Failed to update last-seen", "containerID", c.ID, "error", err)
		return
	}
	c.LastSeenAt = now
}

// Stop tears the container down synchronously.
func (m *ContainerManager) Stop(ctx context.Context, containerID string) (*domain.Container, error) {
	m.locks.Lock(containerID)
	defer m.locks.Unlock(containerID)

	c, err := m.repo.GetContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	// Stopping a terminal container acknowledges it: release whatever
	// is still held and report the terminal state.
	if c.Terminal() {
		if err := m.repo.ReleaseOwner(ctx, c.OwnerKey, c.ID); err != nil {
			m.logger.Warn("Failed to release owner", "ownerKey", c.OwnerKey, "error", err)
		}
		m.releaseClaims(ctx, c)
		m.metrics.StopsTotal.WithLabelValues("acknowledged").Inc()
		return c, nil
	}

	// Win the descriptor before touching the runtime. A provision worker
	// still in flight loses its final compare-and-set against the bumped
	// generation and destroys whatever it built.
	stopping, err := m.repo.ApplyTransition(ctx, c.ID, c.Generation, domain.StatusStopping, "", "")
	if err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) {
			// The descriptor moved while we were reading it. Re-read and
			// let the caller retry against the fresh state.
			fresh, gerr := m.repo.GetContainer(ctx, c.ID)
			if gerr != nil {
				return nil, gerr
			}
			if fresh.Terminal() {
				m.metrics.StopsTotal.WithLabelValues("acknowledged").Inc()
				return fresh, nil
			}
			return nil, fmt.Errorf("container changed concurrently: %w", err)
		}
		m.metrics.StopsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to mark container stopping: %w", err)
	}

	m.bus.Publish(domain.StateChange{
		ContainerID: c.ID,
		Previous:    c.Status,
		New:         domain.StatusStopping,
		At:          time.Now(),
	})

	if stopping.RuntimeID != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.RuntimeCallTimeout)
		if err := m.runtime.Destroy(callCtx, stopping.RuntimeID); err != nil {
			m.logger.Warn("Failed to destroy runtime container",
				"runtimeID", stopping.RuntimeID, "error", err)
		}
		cancel()
	}

	if m.routes != nil && c.Mode == domain.ModeRemote {
		if err := proxy.RemoveContainerRoutes(ctx, m.routes, c.ID); err != nil {
			m.metrics.RouteOpsTotal.WithLabelValues("remove", "failure").Inc()
			m.logger.Warn("Failed to remove ingress routes", "containerID", c.ID, "error", err)
		} else {
			m.metrics.RouteOpsTotal.WithLabelValues("remove", "success").Inc()
		}
	}

	stopped, err := m.repo.ApplyTransition(ctx, c.ID, stopping.Generation, domain.StatusStopped, "", "")
	if err != nil {
		m.metrics.StopsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to mark container stopped: %w", err)
	}

	m.bus.Publish(domain.StateChange{
		ContainerID: c.ID,
		Previous:    domain.StatusStopping,
		New:         domain.StatusStopped,
		At:          time.Now(),
	})

	if err := m.repo.ReleaseOwner(ctx, c.OwnerKey, c.ID); err != nil {
		m.logger.Warn("Failed to release owner", "ownerKey", c.OwnerKey, "error", err)
	}
	m.releaseClaims(ctx, c)

	if m.ledger != nil {
		if err := m.ledger.RecordEnd(ctx, c.ID, string(domain.StatusStopped), time.Now()); err != nil {
			m.logger.Warn("Failed to record session end", "containerID", c.ID, "error", err)
		}
	}

	m.metrics.StopsTotal.WithLabelValues("success").Inc()
	m.logger.Info("Container stopped", "containerID", c.ID)

	return stopped, nil
}

// Stats returns the current container census.
func (m *ContainerManager) Stats(ctx context.Context) (*Stats, error) {
	byStatus := make(map[domain.ContainerStatus]int)
	for _, status := range []domain.ContainerStatus{
		domain.StatusStarting, domain.StatusRunning, domain.StatusStopping,
		domain.StatusStopped, domain.StatusFailed, domain.StatusKilled,
	} {
		list, err := m.repo.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s containers: %w", status, err)
		}
		byStatus[status] = len(list)
		m.metrics.ActiveContainers.WithLabelValues(string(status)).Set(float64(len(list)))
	}

	used, err := m.ids.UsedCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count used IDs: %w", err)
	}
	m.metrics.UsedIDs.Set(float64(used))

	return &Stats{ByStatus: byStatus, UsedIDs: used}, nil
}

// StartReaper starts the background reaper loop.
func (m *ContainerManager) StartReaper(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("reaper already running")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.reaperLoop(ctx)

	return nil
}

// StopReaper stops the background reaper loop.
func (m *ContainerManager) StopReaper() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	<-m.doneCh
	return nil
}

// reaperLoop periodically tears down idle running containers and deletes
// terminal records past their retention.
func (m *ContainerManager) reaperLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Lifecycle.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ReapIdle(ctx); err != nil {
				m.logger.Warn("Idle reap pass failed", "error", err)
			}
			if err := m.expireTerminal(ctx); err != nil {
				m.logger.Warn("Terminal expiry pass failed", "error", err)
			}
		}
	}
}

// ReapIdle enqueues teardown for every running container idle past the
// TTL. Task IDs are derived from the container generation so a container
// that stays idle across ticks does not fan out duplicate teardowns.
func (m *ContainerManager) ReapIdle(ctx context.Context) error {
	running, err := m.repo.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range running {
		idle := c.IdleFor(now)
		if idle <= m.cfg.Lifecycle.IdleTTL {
			continue
		}

		task := queue.TeardownTask{
			TaskID:      fmt.Sprintf("teardown-%s-%d", c.ID, c.Generation),
			ContainerID: c.ID,
			RuntimeID:   c.RuntimeID,
			OwnerKey:    c.OwnerKey,
			HostPort:    c.HostPort,
			Generation:  c.Generation,
			Reason:      fmt.Sprintf("idle for %s", idle.Round(time.Second)),
			CreatedAt:   now,
		}
		if err := m.publisher.PublishTeardownTask(ctx, task); err != nil {
			m.logger.Warn("Failed to enqueue teardown", "containerID", c.ID, "error", err)
			continue
		}

		m.metrics.ReapsTotal.Inc()
		m.logger.Info("Enqueued idle teardown", "containerID", c.ID, "idle", idle.Round(time.Second))
	}

	return nil
}

// expireTerminal deletes terminal records past the retention window and
// returns their IDs to the allocator. Retention counts from the moment
// the record turned terminal, not from creation: every transition stamps
// LastSeenAt, so a long-lived container still gets the full window for
// clients to observe its final status.
func (m *ContainerManager) expireTerminal(ctx context.Context) error {
	now := time.Now()
	for _, status := range []domain.ContainerStatus{
		domain.StatusStopped, domain.StatusFailed, domain.StatusKilled,
	} {
		list, err := m.repo.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, c := range list {
			if now.Sub(c.LastSeenAt) <= m.cfg.Lifecycle.TerminalRetention {
				continue
			}
			if err := m.repo.DeleteContainer(ctx, c.ID); err != nil {
				m.logger.Warn("Failed to delete expired record", "containerID", c.ID, "error", err)
				continue
			}
			if err := m.ids.Release(ctx, c.ID); err != nil {
				m.logger.Warn("Failed to release container ID", "containerID", c.ID, "error", err)
			}
			m.logger.Debug("Expired terminal record", "containerID", c.ID, "status", status)
		}
	}
	return nil
}

// Compile-time check that ContainerManager implements Manager
var _ Manager = (*ContainerManager)(nil)
