// Package idempotency implements the Idempotency Ledger (spec.md §4.2):
// operation-key -> cached-result mapping with TTL, plus a mutual-exclusion
// lock so only one caller re-drives the underlying effect (the LLM call)
// per key. Grounded on the teacher's store.CheckIdempotency/IdempotencyKey
// (graph/store/store.go, graph/checkpoint.go), generalized from a
// boolean "seen" check into the full Acquire/Release/LookupCached/
// StoreCached/RunOnce contract spec.md §4.2 specifies.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Ledger is the contract every caller uses; RunOnce is the composite
// primitive the Stage Runner drives every external LLM call through.
type Ledger interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	LookupCached(ctx context.Context, key string) (json.RawMessage, bool, error)
	StoreCached(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	RunOnce(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error)
}

// pollInterval is how long RunOnce sleeps between Acquire attempts when a
// peer holds the lock.
const pollInterval = 20 * time.Millisecond

type lockEntry struct {
	expiresAt time.Time
}

type cacheEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

// Memory is an in-process Ledger. Production deployments back this with
// the same transactional store that owns the Idempotency/Locks tables
// (spec.md §6); Memory is what unit tests across stagerunner and
// scheduler use, mirroring the teacher's in-memory store default.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]lockEntry
	cached map[string]cacheEntry
	now    func() time.Time
}

// NewMemory constructs an empty in-memory Ledger.
func NewMemory() *Memory {
	return &Memory{
		locks:  map[string]lockEntry{},
		cached: map[string]cacheEntry{},
		now:    time.Now,
	}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.locks[key]; ok && entry.expiresAt.After(now) {
		return false, nil
	}
	m.locks[key] = lockEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *Memory) LookupCached(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cached[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expiresAt.Before(m.now()) {
		delete(m.cached, key)
		return nil, false, nil
	}
	return entry.result, true, nil
}

func (m *Memory) StoreCached(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[key] = cacheEntry{result: result, expiresAt: m.now().Add(ttl)}
	return nil
}

// RunOnce implements spec.md §4.2's four-step composite primitive: check
// the cache, acquire the lock (polling on contention), invoke fn exactly
// once, cache its result, release, and propagate failures uncached.
func (m *Memory) RunOnce(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	for {
		if cached, ok, err := m.LookupCached(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return cached, nil
		}

		acquired, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		result, err := fn(ctx)
		if err != nil {
			_ = m.Release(ctx, key)
			return nil, err
		}
		if err := m.StoreCached(ctx, key, result, ttl); err != nil {
			_ = m.Release(ctx, key)
			return nil, err
		}
		if err := m.Release(ctx, key); err != nil {
			return nil, err
		}
		return result, nil
	}
}

var _ Ledger = (*Memory)(nil)

// Key builds the idempotency key spec.md §4.2 mandates for stage
// invocations: "workflow:{workflowId}:stage:{stageName}:{operation}".
func Key(workflowID, stageName, operation string) string {
	return "workflow:" + workflowID + ":stage:" + stageName + ":" + operation
}
