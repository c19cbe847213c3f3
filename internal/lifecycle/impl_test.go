package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/endpoints"
	"github.com/classla/ide-orchestrator/internal/events"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/internal/queue"
	"github.com/classla/ide-orchestrator/internal/runtime"
	"github.com/classla/ide-orchestrator/internal/store"
	"github.com/classla/ide-orchestrator/pkg/logging"
)

// memRepo is an in-memory store.Repository for lifecycle tests.
type memRepo struct {
	mu         sync.Mutex
	containers map[string]*domain.Container
	owners     map[string]string
	freePorts  []int
}

var _ store.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		containers: make(map[string]*domain.Container),
		owners:     make(map[string]string),
		freePorts:  []int{33000, 33001, 33002, 33003},
	}
}

func (r *memRepo) SaveContainer(ctx context.Context, c *domain.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.containers[c.ID] = &cp
	return nil
}

func (r *memRepo) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, domain.ErrContainerNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) DeleteContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *memRepo) ApplyTransition(ctx context.Context, id string, expectedGen uint64, status domain.ContainerStatus, message, runtimeID string) (*domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, domain.ErrContainerNotFound
	}
	if c.Generation != expectedGen {
		return nil, domain.ErrStaleGeneration
	}
	c.Status = status
	c.StatusMessage = message
	if runtimeID != "" {
		c.RuntimeID = runtimeID
	}
	c.Generation++
	c.LastSeenAt = time.Now()
	cp := *c
	return &cp, nil
}

func (r *memRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.LastSeenAt = at
	}
	return nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status domain.ContainerStatus) ([]*domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Container
	for _, c := range r.containers {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ClaimOwner(ctx context.Context, ownerKey, containerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[ownerKey]; ok {
		return false, nil
	}
	r.owners[ownerKey] = containerID
	return true, nil
}

func (r *memRepo) GetOwnerContainer(ctx context.Context, ownerKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[ownerKey], nil
}

func (r *memRepo) ReleaseOwner(ctx context.Context, ownerKey, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[ownerKey] == containerID {
		delete(r.owners, ownerKey)
	}
	return nil
}

func (r *memRepo) InitializePorts(ctx context.Context) error { return nil }

func (r *memRepo) AllocatePort(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freePorts) == 0 {
		return 0, domain.ErrNoPortsAvailable
	}
	port := r.freePorts[0]
	r.freePorts = r.freePorts[1:]
	return port, nil
}

func (r *memRepo) ReleasePort(ctx context.Context, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freePorts = append(r.freePorts, port)
	return nil
}

func (r *memRepo) Ping(ctx context.Context) error { return nil }

// stubRuntime answers Inspect from a scripted state.
type stubRuntime struct {
	mu           sync.Mutex
	state        string
	inspectErr   error
	inspectCalls int
	destroyed    []string
}

var _ runtime.Runtime = (*stubRuntime)(nil)

func (s *stubRuntime) Create(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	return "rt-" + opts.Name, nil
}

func (s *stubRuntime) Inspect(ctx context.Context, runtimeID string) (*runtime.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inspectCalls++
	if s.inspectErr != nil {
		return nil, s.inspectErr
	}
	state := s.state
	if state == "" {
		state = "running"
	}
	return &runtime.Info{ID: runtimeID, State: state, IPAddress: "10.88.0.5"}, nil
}

func (s *stubRuntime) Destroy(ctx context.Context, runtimeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, runtimeID)
	return nil
}

func (s *stubRuntime) HealthCheck(ctx context.Context, runtimeID string) (bool, error) {
	return true, nil
}

// stubPublisher records published tasks.
type stubPublisher struct {
	mu         sync.Mutex
	provisions []queue.ProvisionTask
	teardowns  []queue.TeardownTask
	publishErr error
}

var _ queue.Publisher = (*stubPublisher)(nil)

func (p *stubPublisher) PublishProvisionTask(ctx context.Context, task queue.ProvisionTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.provisions = append(p.provisions, task)
	return nil
}

func (p *stubPublisher) PublishTeardownTask(ctx context.Context, task queue.TeardownTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.teardowns = append(p.teardowns, task)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

type fixture struct {
	repo      *memRepo
	runtime   *stubRuntime
	publisher *stubPublisher
	ids       *ident.Allocator
	bus       *events.Bus
	mgr       *ContainerManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Allocator.MaxAttempts = 10
	cfg.Lifecycle.RuntimeCallTimeout = 5 * time.Second
	cfg.Lifecycle.IdleTTL = 45 * time.Minute
	cfg.Lifecycle.ReaperInterval = time.Minute
	cfg.Lifecycle.TerminalRetention = time.Hour

	f := &fixture{
		repo:      newMemRepo(),
		runtime:   &stubRuntime{},
		publisher: &stubPublisher{},
		ids:       ident.NewAllocator(ident.NewRegistry()),
		bus:       events.NewBus(),
	}
	resolver := &endpoints.Selector{
		Remote: &endpoints.RemoteResolver{Scheme: "https", BaseDomain: "ide.classla.dev"},
		Local:  &endpoints.LocalResolver{Host: "localhost", Port: 9090},
	}
	f.mgr = NewContainerManager(cfg, f.repo, f.runtime, nil, f.ids, f.bus, nil,
		f.publisher, resolver, logging.New("debug", "text"), metrics.NewCollector())
	return f
}

func (f *fixture) seed(t *testing.T, c *domain.Container) {
	t.Helper()
	if err := f.repo.SaveContainer(context.Background(), c); err != nil {
		t.Fatalf("SaveContainer() error = %v", err)
	}
	if c.OwnerKey != "" && !c.Terminal() {
		f.repo.owners[c.OwnerKey] = c.ID
	}
	if _, err := f.ids.MarkUsed(context.Background(), c.ID); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
}

func TestStart_CreatesContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, created, err := f.mgr.Start(ctx, StartRequest{
		UserID:    "user-1",
		BucketRef: "exercise-1",
		Mode:      domain.ModeRemote,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if c.Status != domain.StatusStarting {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusStarting)
	}
	if c.OwnerKey != "user-1:exercise-1" {
		t.Errorf("OwnerKey = %q, want %q", c.OwnerKey, "user-1:exercise-1")
	}
	if c.Generation != 1 {
		t.Errorf("Generation = %d, want 1", c.Generation)
	}
	if !ident.ValidateID(c.ID) {
		t.Errorf("ID %q is not DNS-safe", c.ID)
	}
	if c.URLs.Terminal == "" || c.URLs.Runner == "" {
		t.Errorf("URLs not resolved: %+v", c.URLs)
	}

	if len(f.publisher.provisions) != 1 {
		t.Fatalf("provision tasks = %d, want 1", len(f.publisher.provisions))
	}
	task := f.publisher.provisions[0]
	if task.ContainerID != c.ID || task.Generation != 1 {
		t.Errorf("task = %+v, want container %s gen 1", task, c.ID)
	}

	if f.repo.owners["user-1:exercise-1"] != c.ID {
		t.Error("owner key not claimed")
	}
}

func TestStart_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := StartRequest{UserID: "user-1", BucketRef: "exercise-1", Mode: domain.ModeRemote}

	first, created, err := f.mgr.Start(ctx, req)
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if !created {
		t.Fatal("first Start() created = false, want true")
	}

	second, created, err := f.mgr.Start(ctx, req)
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if created {
		t.Error("second Start() created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("second Start() ID = %q, want %q", second.ID, first.ID)
	}

	if len(f.publisher.provisions) != 1 {
		t.Errorf("provision tasks = %d, want 1", len(f.publisher.provisions))
	}
}

func TestStart_ConcurrentSameOwner(t *testing.T) {
	f := newFixture(t)
	req := StartRequest{UserID: "user-1", BucketRef: "exercise-1", Mode: domain.ModeRemote}

	const goroutines = 8
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := f.mgr.Start(context.Background(), req)
			if err != nil {
				t.Errorf("Start() error = %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d got ID %q, want %q", i, ids[i], ids[0])
		}
	}
	if len(f.publisher.provisions) != 1 {
		t.Errorf("provision tasks = %d, want 1", len(f.publisher.provisions))
	}
}

func TestStart_DifferentBucketsGetDifferentContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, err := f.mgr.Start(ctx, StartRequest{UserID: "user-1", BucketRef: "exercise-1", Mode: domain.ModeRemote})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	b, _, err := f.mgr.Start(ctx, StartRequest{UserID: "user-1", BucketRef: "exercise-2", Mode: domain.ModeRemote})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("different buckets shared container %q", a.ID)
	}
}

func TestStart_TerminalContainerReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := &domain.Container{
		ID:         "dead-crow-1",
		OwnerKey:   "user-1:exercise-1",
		BucketRef:  "exercise-1",
		Status:     domain.StatusKilled,
		Mode:       domain.ModeRemote,
		Generation: 3,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	f.seed(t, old)
	f.repo.owners["user-1:exercise-1"] = "dead-crow-1" // stale claim

	c, created, err := f.mgr.Start(ctx, StartRequest{UserID: "user-1", BucketRef: "exercise-1", Mode: domain.ModeRemote})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !created {
		t.Error("created = false, want true after terminal container")
	}
	if c.ID == "dead-crow-1" {
		t.Error("terminal container was reused")
	}
	if f.repo.owners["user-1:exercise-1"] != c.ID {
		t.Errorf("owner claim = %q, want %q", f.repo.owners["user-1:exercise-1"], c.ID)
	}
}

func TestStart_PublishFailureReleasesClaims(t *testing.T) {
	f := newFixture(t)
	f.publisher.publishErr = errors.New("nats unavailable")

	_, _, err := f.mgr.Start(context.Background(), StartRequest{UserID: "user-1", BucketRef: "exercise-1", Mode: domain.ModeRemote})
	if err == nil {
		t.Fatal("Start() error = nil, want publish failure")
	}

	if _, claimed := f.repo.owners["user-1:exercise-1"]; claimed {
		t.Error("owner claim not released after publish failure")
	}
	if len(f.repo.freePorts) != 4 {
		t.Errorf("free ports = %d, want 4 (port released)", len(f.repo.freePorts))
	}
}

func TestCheckStatus_TerminalSkipsRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, status := range []domain.ContainerStatus{domain.StatusStopped, domain.StatusFailed, domain.StatusKilled} {
		t.Run(string(status), func(t *testing.T) {
			id := "term-" + string(status)
			f.repo.SaveContainer(ctx, &domain.Container{
				ID: id, Status: status, RuntimeID: "rt-x", Generation: 2,
			})
			before := f.runtime.inspectCalls

			c, err := f.mgr.CheckStatus(ctx, id)
			if err != nil {
				t.Fatalf("CheckStatus() error = %v", err)
			}
			if c.Status != status {
				t.Errorf("Status = %v, want %v", c.Status, status)
			}
			if f.runtime.inspectCalls != before {
				t.Error("runtime was contacted for a terminal container")
			}
		})
	}
}

func TestCheckStatus_RunningTouchesLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-10 * time.Minute)
	f.seed(t, &domain.Container{
		ID: "live-wren-2", OwnerKey: "user-1:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-live-wren-2", HostPort: 33000, Generation: 2, LastSeenAt: past,
	})

	c, err := f.mgr.CheckStatus(ctx, "live-wren-2")
	if err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}
	if c.Status != domain.StatusRunning {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusRunning)
	}
	if !c.LastSeenAt.After(past) {
		t.Error("LastSeenAt not advanced by status check")
	}
}

func TestCheckStatus_DetectsMissingRuntimeContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "gone-vole-3", OwnerKey: "user-2:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-gone-vole-3", HostPort: 33000, Generation: 2,
	})
	f.runtime.inspectErr = domain.ErrRuntimeContainerNotFound

	sub := f.bus.Subscribe("gone-vole-3")
	defer sub.Close()

	c, err := f.mgr.CheckStatus(ctx, "gone-vole-3")
	if err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}
	if c.Status != domain.StatusKilled {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusKilled)
	}
	if _, claimed := f.repo.owners["user-2:exercise-1"]; claimed {
		t.Error("owner claim not released after kill detection")
	}

	select {
	case ev := <-sub.C():
		if ev.New != domain.StatusKilled {
			t.Errorf("event New = %v, want %v", ev.New, domain.StatusKilled)
		}
		if ev.Reason == "" {
			t.Error("event Reason is empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for killed event")
	}
}

func TestCheckStatus_DetectsExitedRuntimeContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "dead-toad-4", OwnerKey: "user-3:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-dead-toad-4", HostPort: 33000, Generation: 2,
	})
	f.runtime.state = "exited"

	c, err := f.mgr.CheckStatus(ctx, "dead-toad-4")
	if err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}
	if c.Status != domain.StatusKilled {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusKilled)
	}
}

func TestStop_RunningContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "busy-mole-5", OwnerKey: "user-4:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-busy-mole-5", HostPort: 33000, Generation: 2,
	})

	c, err := f.mgr.Stop(ctx, "busy-mole-5")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.Status != domain.StatusStopped {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusStopped)
	}

	if len(f.runtime.destroyed) != 1 || f.runtime.destroyed[0] != "rt-busy-mole-5" {
		t.Errorf("destroyed = %v, want [rt-busy-mole-5]", f.runtime.destroyed)
	}
	if _, claimed := f.repo.owners["user-4:exercise-1"]; claimed {
		t.Error("owner claim not released")
	}
	inUse, _ := f.ids.InUse(ctx, "busy-mole-5")
	if inUse {
		t.Error("container ID still marked used after stop")
	}
}

func TestStop_TerminalIsAcknowledgement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.SaveContainer(ctx, &domain.Container{
		ID: "done-hare-6", OwnerKey: "user-5:exercise-1", Status: domain.StatusKilled,
		HostPort: 33000, Generation: 3,
	})
	f.repo.owners["user-5:exercise-1"] = "done-hare-6"

	c, err := f.mgr.Stop(ctx, "done-hare-6")
	if err != nil {
		t.Fatalf("Stop() on terminal container error = %v", err)
	}
	if c.Status != domain.StatusKilled {
		t.Errorf("Status = %v, want %v (unchanged)", c.Status, domain.StatusKilled)
	}
	if _, claimed := f.repo.owners["user-5:exercise-1"]; claimed {
		t.Error("leftover owner claim not released by acknowledgement")
	}
	if len(f.runtime.destroyed) != 0 {
		t.Errorf("Destroy calls = %d, want 0", len(f.runtime.destroyed))
	}
}

func TestStop_StartingContainerWinsRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "slow-newt-7", OwnerKey: "user-6:exercise-1", Status: domain.StatusStarting,
		HostPort: 33000, Generation: 1,
	})

	c, err := f.mgr.Stop(ctx, "slow-newt-7")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.Status != domain.StatusStopped {
		t.Errorf("Status = %v, want %v", c.Status, domain.StatusStopped)
	}

	// The provision worker's completion is pinned to generation 1 and
	// must now fail its compare-and-set.
	if _, err := f.repo.ApplyTransition(ctx, "slow-newt-7", 1, domain.StatusRunning, "", "rt-late"); !errors.Is(err, domain.ErrStaleGeneration) {
		t.Errorf("late provision ApplyTransition error = %v, want ErrStaleGeneration", err)
	}
}

func TestStop_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Stop(context.Background(), "no-such-id"); !errors.Is(err, domain.ErrContainerNotFound) {
		t.Errorf("Stop() error = %v, want ErrContainerNotFound", err)
	}
}

func TestReapIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "idle-ibis-8", OwnerKey: "user-7:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-idle-ibis-8", HostPort: 33000, Generation: 2,
		LastSeenAt: time.Now().Add(-2 * time.Hour),
	})
	f.seed(t, &domain.Container{
		ID: "busy-ibis-9", OwnerKey: "user-8:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-busy-ibis-9", HostPort: 33001, Generation: 2,
		LastSeenAt: time.Now(),
	})

	if err := f.mgr.ReapIdle(ctx); err != nil {
		t.Fatalf("ReapIdle() error = %v", err)
	}

	if len(f.publisher.teardowns) != 1 {
		t.Fatalf("teardown tasks = %d, want 1", len(f.publisher.teardowns))
	}
	task := f.publisher.teardowns[0]
	if task.ContainerID != "idle-ibis-8" {
		t.Errorf("teardown ContainerID = %q, want %q", task.ContainerID, "idle-ibis-8")
	}
	if task.Reason == "" {
		t.Error("teardown Reason is empty")
	}
	if task.Generation != 2 {
		t.Errorf("teardown Generation = %d, want 2", task.Generation)
	}
}

func TestReapIdle_TaskIDStableAcrossTicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{
		ID: "idle-kite-1", OwnerKey: "user-9:exercise-1", Status: domain.StatusRunning,
		RuntimeID: "rt-idle-kite-1", HostPort: 33000, Generation: 2,
		LastSeenAt: time.Now().Add(-2 * time.Hour),
	})

	for i := 0; i < 2; i++ {
		if err := f.mgr.ReapIdle(ctx); err != nil {
			t.Fatalf("ReapIdle() error = %v", err)
		}
	}

	if len(f.publisher.teardowns) != 2 {
		t.Fatalf("teardown tasks = %d, want 2", len(f.publisher.teardowns))
	}
	if f.publisher.teardowns[0].TaskID != f.publisher.teardowns[1].TaskID {
		t.Errorf("task IDs differ across ticks: %q vs %q (dedup depends on stable IDs)",
			f.publisher.teardowns[0].TaskID, f.publisher.teardowns[1].TaskID)
	}
}

func TestExpireTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.SaveContainer(ctx, &domain.Container{
		ID: "old-swan-2", Status: domain.StatusStopped, Generation: 3,
		CreatedAt:  time.Now().Add(-3 * time.Hour),
		LastSeenAt: time.Now().Add(-2 * time.Hour),
	})
	f.ids.MarkUsed(ctx, "old-swan-2")
	f.repo.SaveContainer(ctx, &domain.Container{
		ID: "new-swan-3", Status: domain.StatusStopped, Generation: 3,
		CreatedAt: time.Now(), LastSeenAt: time.Now(),
	})

	if err := f.mgr.expireTerminal(ctx); err != nil {
		t.Fatalf("expireTerminal() error = %v", err)
	}

	if _, err := f.repo.GetContainer(ctx, "old-swan-2"); !errors.Is(err, domain.ErrContainerNotFound) {
		t.Errorf("old record GetContainer() error = %v, want ErrContainerNotFound", err)
	}
	if _, err := f.repo.GetContainer(ctx, "new-swan-3"); err != nil {
		t.Errorf("recent record deleted prematurely: %v", err)
	}
	inUse, _ := f.ids.InUse(ctx, "old-swan-2")
	if inUse {
		t.Error("expired record's ID not released")
	}
}

func TestExpireTerminal_RetentionCountsFromTerminalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Ran for two hours before being killed moments ago. The record must
	// survive the full retention window so clients can still see the kill.
	f.repo.SaveContainer(ctx, &domain.Container{
		ID: "aged-wren-7", OwnerKey: "user-3:exercise-9", Status: domain.StatusKilled,
		Generation: 4,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		LastSeenAt: time.Now(),
	})
	f.ids.MarkUsed(ctx, "aged-wren-7")

	if err := f.mgr.expireTerminal(ctx); err != nil {
		t.Fatalf("expireTerminal() error = %v", err)
	}

	c, err := f.repo.GetContainer(ctx, "aged-wren-7")
	if err != nil {
		t.Fatalf("freshly killed record expired early: %v", err)
	}
	if c.Status != domain.StatusKilled {
		t.Errorf("status = %q, want %q", c.Status, domain.StatusKilled)
	}
	inUse, _ := f.ids.InUse(ctx, "aged-wren-7")
	if !inUse {
		t.Error("ID released before retention elapsed")
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &domain.Container{ID: "one-lynx-4", OwnerKey: "u1:b1", Status: domain.StatusRunning, Generation: 2})
	f.seed(t, &domain.Container{ID: "two-lynx-5", OwnerKey: "u2:b1", Status: domain.StatusRunning, Generation: 2})
	f.seed(t, &domain.Container{ID: "three-lynx-6", OwnerKey: "u3:b1", Status: domain.StatusStarting, Generation: 1})

	stats, err := f.mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.ByStatus[domain.StatusRunning] != 2 {
		t.Errorf("running = %d, want 2", stats.ByStatus[domain.StatusRunning])
	}
	if stats.ByStatus[domain.StatusStarting] != 1 {
		t.Errorf("starting = %d, want 1", stats.ByStatus[domain.StatusStarting])
	}
	if stats.UsedIDs != 3 {
		t.Errorf("UsedIDs = %d, want 3", stats.UsedIDs)
	}
}

func TestReaperLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.StartReaper(ctx); err != nil {
		t.Fatalf("StartReaper() error = %v", err)
	}
	if err := f.mgr.StartReaper(ctx); err == nil {
		t.Error("second StartReaper() error = nil, want already-running error")
	}
	if err := f.mgr.StopReaper(); err != nil {
		t.Fatalf("StopReaper() error = %v", err)
	}
	// Idempotent
	if err := f.mgr.StopReaper(); err != nil {
		t.Errorf("second StopReaper() error = %v", err)
	}
}
