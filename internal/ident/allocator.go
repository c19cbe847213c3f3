// Package ident allocates the DNS-label-safe identifiers that double as
// routing keys for a container's services.
package ident

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/classla/ide-orchestrator/internal/domain"
)

const (
	// DefaultIDLength is the length of randomly generated identifiers.
	DefaultIDLength = 8

	// DefaultMaxAttempts bounds how many candidates generation tries
	// before giving up with ErrAllocationExhausted.
	DefaultMaxAttempts = 10

	idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

	minIDLength = 4
	maxIDLength = 32
)

// idPattern enforces DNS-label compatibility: lowercase alphanumeric plus
// internal hyphens, 4-32 characters, no leading or trailing hyphen.
// Identifiers are used as subdomain labels and path segments, so this is
// a routing constraint, not cosmetics.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,30}[a-z0-9]$`)

// ValidateID reports whether id is a well-formed container identifier.
// It is applied both on generation and whenever an externally supplied ID
// must be trusted, e.g. when reloading runtime state at startup.
func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// UsedIDStore tracks which identifiers are currently allocated.
//
// MarkUsed must be an atomic check-and-set: it returns false when the ID
// was already claimed. In a single-instance deployment the in-memory
// Registry satisfies this with a mutex; multi-instance deployments back
// it with the shared Valkey set so two processes cannot claim the same ID.
type UsedIDStore interface {
	MarkUsed(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	InUse(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// Allocator generates unique container identifiers against a UsedIDStore.
//
// Generation never returns an ID already marked used, but does not mark
// the returned ID itself: callers claim it with MarkUsed symmetrically
// with actual provisioning, and Release it on teardown, otherwise the
// store's view of "in use" drifts from the runtime's.
type Allocator struct {
	store UsedIDStore
}

// NewAllocator creates an Allocator backed by the given store.
func NewAllocator(store UsedIDStore) *Allocator {
	return &Allocator{store: store}
}

// GenerateUniqueID draws random [a-z0-9] strings of the given length until
// an unused one is found or maxAttempts is exhausted. Exhaustion is fatal
// for the request: the caller should back off or widen the ID space, not
// silently retry.
func (a *Allocator) GenerateUniqueID(ctx context.Context, length, maxAttempts int) (string, error) {
	if length <= 0 {
		length = DefaultIDLength
	}
	if length < minIDLength || length > maxIDLength {
		return "", fmt.Errorf("%w: length %d outside [%d,%d]", domain.ErrInvalidContainerID, length, minIDLength, maxIDLength)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomID(length)
		if err != nil {
			return "", fmt.Errorf("failed to generate candidate: %w", err)
		}
		used, err := a.store.InUse(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check candidate: %w", err)
		}
		if !used {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: after %d attempts", domain.ErrAllocationExhausted, maxAttempts)
}

// GenerateReadableID composes a human-friendly {adjective}-{noun}-{0..99}
// identifier from fixed word lists. On collision it falls back to a random
// ID of fallbackLength characters (DefaultIDLength when <= 0).
func (a *Allocator) GenerateReadableID(ctx context.Context, fallbackLength int) (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	n, err := randInt(100)
	if err != nil {
		return "", err
	}

	candidate := fmt.Sprintf("%s-%s-%d", adj, noun, n)
	if !ValidateID(candidate) {
		// Word lists are curated to stay within bounds; this only trips
		// if someone edits them carelessly.
		return a.GenerateUniqueID(ctx, fallbackLength, DefaultMaxAttempts)
	}

	used, err := a.store.InUse(ctx, candidate)
	if err != nil {
		return "", fmt.Errorf("failed to check candidate: %w", err)
	}
	if used {
		return a.GenerateUniqueID(ctx, fallbackLength, DefaultMaxAttempts)
	}

	return candidate, nil
}

// MarkUsed atomically claims id. It returns false when another caller
// claimed it first.
func (a *Allocator) MarkUsed(ctx context.Context, id string) (bool, error) {
	if !ValidateID(id) {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidContainerID, id)
	}
	return a.store.MarkUsed(ctx, id)
}

// Release returns id to the free pool. Released IDs may legally be
// generated again.
func (a *Allocator) Release(ctx context.Context, id string) error {
	return a.store.Release(ctx, id)
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(ctx context.Context, id string) (bool, error) {
	return a.store.InUse(ctx, id)
}

// UsedCount returns the number of currently allocated IDs.
func (a *Allocator) UsedCount(ctx context.Context) (int64, error) {
	return a.store.Count(ctx)
}

// Clear drops every allocated ID. Test/reset use only.
func (a *Allocator) Clear(ctx context.Context) error {
	return a.store.Clear(ctx)
}

func randomID(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		n, err := randInt(len(idCharset))
		if err != nil {
			return "", err
		}
		buf[i] = idCharset[n]
	}
	return string(buf), nil
}

func pick(words []string) (string, error) {
	n, err := randInt(len(words))
	if err != nil {
		return "", err
	}
	return words[n], nil
}

func randInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
