package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/valkey-io/valkey-go"
)

// Lua scripts for atomic operations
var (
	// applyTransitionScript applies a status transition iff the stored
	// generation still matches the caller's expectation.
	// KEYS[1] = container key (container:{id})
	// KEYS[2] = status set prefix (status:)
	// ARGV[1] = expected generation
	// ARGV[2] = new status
	// ARGV[3] = status message ("" clears nothing, only non-empty is written)
	// ARGV[4] = last_seen_at timestamp (RFC3339Nano)
	// ARGV[5] = runtime ID ("" leaves the field untouched)
	// ARGV[6] = container ID
	// Returns: updated container JSON, 'stale' on generation mismatch, nil if not found
	applyTransitionScript = valkey.NewLuaScript(`
local containerKey = KEYS[1]
local statusPrefix = KEYS[2]
local expectedGen = tonumber(ARGV[1])
local newStatus = ARGV[2]
local message = ARGV[3]
local lastSeen = ARGV[4]
local runtimeID = ARGV[5]
local containerID = ARGV[6]

local data = redis.call('GET', containerKey)
if not data then
    return nil
end

local c = cjson.decode(data)
if tonumber(c.generation) ~= expectedGen then
    return 'stale'
end

local oldStatus = c.status
if oldStatus ~= newStatus then
    redis.call('SREM', statusPrefix .. oldStatus, containerID)
    redis.call('SADD', statusPrefix .. newStatus, containerID)
end

c.status = newStatus
c.generation = expectedGen + 1
c.last_seen_at = lastSeen
if message ~= '' then
    c.status_message = message
end
if runtimeID ~= '' then
    c.runtime_id = runtimeID
end

local newData = cjson.encode(c)
redis.call('SET', containerKey, newData)
return newData
`)

	// touchLastSeenScript updates last_seen_at without bumping the
	// generation; observation alone is not a state transition.
	// KEYS[1] = container key
	// ARGV[1] = timestamp (RFC3339Nano)
	touchLastSeenScript = valkey.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return nil
end
local c = cjson.decode(data)
c.last_seen_at = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(c))
return 'ok'
`)

	// releaseOwnerScript deletes an owner claim only when it still points
	// at the given container, so a new claim racing a stale release is
	// never dropped.
	// KEYS[1] = owner key
	// ARGV[1] = container ID
	releaseOwnerScript = valkey.NewLuaScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`)
)

// Valkey key prefixes and names
const (
	keyContainer  = "container:"      // container:{id} -> JSON
	keyStatusSet  = "status:"         // status:{status} -> set of container IDs
	keyOwner      = "owner:"          // owner:{ownerKey} -> container ID
	keyUsedIDs    = "ids:used"        // set of allocated container IDs
	keyPorts      = "ports:available" // set of available host ports
	keyPortsInUse = "ports:in_use"    // set of host ports in use
)

// ValkeyRepository implements Repository using Valkey. It also implements
// ident.UsedIDStore, backing the identifier allocator with an atomic
// shared set so multiple orchestrator instances never hand out the same ID.
type ValkeyRepository struct {
	client    valkey.Client
	portStart int
	portEnd   int
}

// NewValkeyRepository creates a new Valkey-backed repository.
func NewValkeyRepository(cfg *config.StoreConfig, runtimeCfg *config.RuntimeConfig) (*ValkeyRepository, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	return &ValkeyRepository{
		client:    client,
		portStart: runtimeCfg.PortRangeStart,
		portEnd:   runtimeCfg.PortRangeEnd,
	}, nil
}

// Close closes the Valkey connection.
func (r *ValkeyRepository) Close() {
	r.client.Close()
}

// SaveContainer stores a container descriptor and indexes it by status.
func (r *ValkeyRepository) SaveContainer(ctx context.Context, c *domain.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal container: %w", err)
	}

	key := keyContainer + c.ID
	if err := r.client.Do(ctx, r.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}

	statusKey := keyStatusSet + string(c.Status)
	if err := r.client.Do(ctx, r.client.B().Sadd().Key(statusKey).Member(c.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index container status: %w", err)
	}

	return nil
}

// GetContainer retrieves a container descriptor by ID.
func (r *ValkeyRepository) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(keyContainer+id).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, domain.ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to get container: %w", err)
	}

	var c domain.Container
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal container: %w", err)
	}
	return &c, nil
}

// DeleteContainer removes a container descriptor and its status index entry.
func (r *ValkeyRepository) DeleteContainer(ctx context.Context, id string) error {
	c, err := r.GetContainer(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			return nil // Already deleted
		}
		return err
	}

	statusKey := keyStatusSet + string(c.Status)
	if err := r.client.Do(ctx, r.client.B().Srem().Key(statusKey).Member(id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove from status set: %w", err)
	}

	if err := r.client.Do(ctx, r.client.B().Del().Key(keyContainer+id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// ApplyTransition atomically applies a generation-checked status update
// via a Lua script, so GET, compare, SET, and the status index updates
// cannot interleave with a concurrent writer.
func (r *ValkeyRepository) ApplyTransition(ctx context.Context, id string, expectedGen uint64, status domain.ContainerStatus, message, runtimeID string) (*domain.Container, error) {
	now := time.Now().Format(time.RFC3339Nano)

	result := applyTransitionScript.Exec(
		ctx,
		r.client,
		[]string{keyContainer + id, keyStatusSet},
		[]string{
			strconv.FormatUint(expectedGen, 10),
			string(status),
			message,
			now,
			runtimeID,
			id,
		},
	)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, domain.ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}

	data, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read transition result: %w", err)
	}
	if data == "stale" {
		return nil, domain.ErrStaleGeneration
	}

	var c domain.Container
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal container: %w", err)
	}
	return &c, nil
}

// TouchLastSeen records the time of the latest status observation.
func (r *ValkeyRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	result := touchLastSeenScript.Exec(
		ctx,
		r.client,
		[]string{keyContainer + id},
		[]string{at.Format(time.RFC3339Nano)},
	)
	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return domain.ErrContainerNotFound
		}
		return fmt.Errorf("failed to touch last seen: %w", err)
	}
	return nil
}

// ListByStatus returns all containers in the given status.
func (r *ValkeyRepository) ListByStatus(ctx context.Context, status domain.ContainerStatus) ([]*domain.Container, error) {
	ids, err := r.client.Do(ctx, r.client.B().Smembers().Key(keyStatusSet+string(status)).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return []*domain.Container{}, nil
		}
		return nil, fmt.Errorf("failed to get status members: %w", err)
	}

	containers := make([]*domain.Container, 0, len(ids))
	for _, id := range ids {
		c, err := r.GetContainer(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrContainerNotFound) {
				// Deleted between the SMEMBERS and the GET; benign under
				// concurrent teardown.
				continue
			}
			return nil, err
		}
		containers = append(containers, c)
	}

	return containers, nil
}

// ClaimOwner atomically associates ownerKey with containerID. Returns
// false when another container already holds the claim, which is how
// concurrent duplicate starts collapse onto one provisioned container.
func (r *ValkeyRepository) ClaimOwner(ctx context.Context, ownerKey, containerID string) (bool, error) {
	set, err := r.client.Do(ctx, r.client.B().Set().Key(keyOwner+ownerKey).Value(containerID).Nx().Build()).AsBool()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil // NX failed: claim held by someone else
		}
		return false, fmt.Errorf("failed to claim owner: %w", err)
	}
	return set, nil
}

// GetOwnerContainer returns the container ID claimed by ownerKey, or
// ErrContainerNotFound when the owner has no active claim.
func (r *ValkeyRepository) GetOwnerContainer(ctx context.Context, ownerKey string) (string, error) {
	id, err := r.client.Do(ctx, r.client.B().Get().Key(keyOwner+ownerKey).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", domain.ErrContainerNotFound
		}
		return "", fmt.Errorf("failed to get owner claim: %w", err)
	}
	return id, nil
}

// ReleaseOwner drops the owner claim iff it still points at containerID.
func (r *ValkeyRepository) ReleaseOwner(ctx context.Context, ownerKey, containerID string) error {
	result := releaseOwnerScript.Exec(
		ctx,
		r.client,
		[]string{keyOwner + ownerKey},
		[]string{containerID},
	)
	if err := result.Error(); err != nil {
		return fmt.Errorf("failed to release owner claim: %w", err)
	}
	return nil
}

// InitializePorts pre-populates the available host port set if empty.
func (r *ValkeyRepository) InitializePorts(ctx context.Context) error {
	count, err := r.client.Do(ctx, r.client.B().Scard().Key(keyPorts).Build()).ToInt64()
	if err != nil && !valkey.IsValkeyNil(err) {
		return fmt.Errorf("failed to check ports set: %w", err)
	}
	inUse, err := r.client.Do(ctx, r.client.B().Scard().Key(keyPortsInUse).Build()).ToInt64()
	if err != nil && !valkey.IsValkeyNil(err) {
		return fmt.Errorf("failed to check in-use ports set: %w", err)
	}
	if count > 0 || inUse > 0 {
		return nil // Already initialized
	}

	members := make([]string, 0, r.portEnd-r.portStart+1)
	for port := r.portStart; port <= r.portEnd; port++ {
		members = append(members, strconv.Itoa(port))
	}

	if err := r.client.Do(ctx, r.client.B().Sadd().Key(keyPorts).Member(members...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to initialize ports: %w", err)
	}
	return nil
}

// AllocatePort atomically moves a host port from available to in-use.
func (r *ValkeyRepository) AllocatePort(ctx context.Context) (int, error) {
	portStr, err := r.client.Do(ctx, r.client.B().Spop().Key(keyPorts).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, domain.ErrNoPortsAvailable
		}
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port value: %w", err)
	}

	if err := r.client.Do(ctx, r.client.B().Sadd().Key(keyPortsInUse).Member(portStr).Build()).Error(); err != nil {
		return 0, fmt.Errorf("failed to track port in use: %w", err)
	}

	return port, nil
}

// ReleasePort returns a host port to the available pool.
func (r *ValkeyRepository) ReleasePort(ctx context.Context, port int) error {
	portStr := strconv.Itoa(port)

	if err := r.client.Do(ctx, r.client.B().Srem().Key(keyPortsInUse).Member(portStr).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove port from in-use: %w", err)
	}
	if err := r.client.Do(ctx, r.client.B().Sadd().Key(keyPorts).Member(portStr).Build()).Error(); err != nil {
		return fmt.Errorf("failed to release port: %w", err)
	}
	return nil
}

// MarkUsed atomically claims a container ID in the shared used-ID set.
// SADD's return value is the check-and-set: 1 means this caller won.
func (r *ValkeyRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	added, err := r.client.Do(ctx, r.client.B().Sadd().Key(keyUsedIDs).Member(id).Build()).ToInt64()
	if err != nil {
		return false, fmt.Errorf("failed to mark id used: %w", err)
	}
	return added == 1, nil
}

// Release returns a container ID to the free pool.
func (r *ValkeyRepository) Release(ctx context.Context, id string) error {
	if err := r.client.Do(ctx, r.client.B().Srem().Key(keyUsedIDs).Member(id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to release id: %w", err)
	}
	return nil
}

// InUse reports whether a container ID is currently allocated.
func (r *ValkeyRepository) InUse(ctx context.Context, id string) (bool, error) {
	member, err := r.client.Do(ctx, r.client.B().Sismember().Key(keyUsedIDs).Member(id).Build()).AsBool()
	if err != nil {
		return false, fmt.Errorf("failed to check id: %w", err)
	}
	return member, nil
}

// Count returns the number of allocated container IDs.
func (r *ValkeyRepository) Count(ctx context.Context) (int64, error) {
	count, err := r.client.Do(ctx, r.client.B().Scard().Key(keyUsedIDs).Build()).ToInt64()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count ids: %w", err)
	}
	return count, nil
}

// Clear drops the entire used-ID set. Test/reset use only.
func (r *ValkeyRepository) Clear(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(keyUsedIDs).Build()).Error(); err != nil {
		return fmt.Errorf("failed to clear ids: %w", err)
	}
	return nil
}

// Ping checks the Valkey connection.
func (r *ValkeyRepository) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

// Compile-time checks that ValkeyRepository implements both the
// repository and the shared used-ID store
var (
	_ Repository        = (*ValkeyRepository)(nil)
	_ ident.UsedIDStore = (*ValkeyRepository)(nil)
)
