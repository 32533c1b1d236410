// Package memstate is a bounded in-process key-value cache for ephemeral
// state. Entries expire a fixed time after they are set and, when the store
// is full, the lowest priority and least recently used entries are evicted
// first.
package memstate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasew/memstate/internal/clock"
	"github.com/lucasew/memstate/internal/eviction"
	_ "github.com/lucasew/memstate/internal/eviction/lru"
	"github.com/lucasew/memstate/internal/eviction/policy"
	"github.com/lucasew/memstate/internal/eviction/policy/maxentries"
	"github.com/lucasew/memstate/internal/eviction/policy/maxweight"
	"github.com/lucasew/memstate/internal/expiry"
	"github.com/lucasew/memstate/internal/sweep"
)

type entry[V any] struct {
	value          V
	priority       Priority
	size           int64
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// Store is a concurrency-safe cache of V values. Create it with New and
// release it with Shutdown.
type Store[V any] struct {
	name       string
	maxEntries int
	maxWeight  int64
	expiry     expiry.Policy
	clock      Clock

	mu        sync.Mutex
	entries   map[string]*entry[V]
	mgr       *eviction.Manager
	listeners []func(EvictionEvent)
	closed    bool

	hits      uint64
	misses    uint64
	sweeps    uint64
	evictions map[Reason]uint64

	loads     singleflight.Group
	stopSweep func()
}

// New validates opts and returns a running store. When opts.GCInterval is
// positive a background sweep is started; it stops on Shutdown.
func New[V any](opts Options) (*Store[V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	exp, err := expiry.New(opts.TTL)
	if err != nil {
		return nil, err
	}

	strategyName := opts.Strategy
	if strategyName == "" {
		strategyName = DefaultStrategy
	}
	strategy, err := eviction.GetStrategy(strategyName)
	if err != nil {
		return nil, fmt.Errorf("eviction strategy: %w", err)
	}

	policies := []policy.Policy{&maxentries.Policy{Max: opts.MaxEntries}}
	if opts.MaxWeight > 0 {
		policies = append(policies, &maxweight.Policy{MaxWeight: opts.MaxWeight})
	}

	name := opts.Name
	if name == "" {
		name = "default"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Store[V]{
		name:       name,
		maxEntries: opts.MaxEntries,
		maxWeight:  opts.MaxWeight,
		expiry:     exp,
		clock:      clk,
		entries:    make(map[string]*entry[V]),
		mgr:        eviction.NewManager(policies, strategy),
		evictions:  make(map[Reason]uint64, len(Reasons)),
	}
	if opts.OnEviction != nil {
		s.listeners = append(s.listeners, opts.OnEviction)
	}

	if opts.GCInterval > 0 {
		s.stopSweep = sweep.Run(&sweep.Loop{
			Interval: opts.GCInterval,
			Sweep:    s.Sweep,
			Name:     name,
		})
	}

	slog.Debug("Store created", "store", name, "max_entries", opts.MaxEntries, "max_weight", opts.MaxWeight, "ttl", opts.TTL, "gc_interval", opts.GCInterval, "strategy", strategyName)
	return s, nil
}

// Name returns the store name given in Options.
func (s *Store[V]) Name() string {
	return s.name
}

// Set stores value under key, replacing any previous entry and restarting its
// TTL. If the store is full, victims are evicted before Set returns; the key
// being set is never one of them.
func (s *Store[V]) Set(key string, value V, opts ...SetOption) error {
	cfg, err := newSetConfig(opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := s.clock.Now()
	var events []EvictionEvent

	if s.maxEntries <= 0 {
		// Nothing can be kept: the entry is admitted and evicted at once.
		events = append(events, s.evictedLocked(key, ReasonCapacity, now))
		s.unlockAndNotify(events)
		return nil
	}

	for _, victim := range s.mgr.Plan(key, cfg.size) {
		s.removeLocked(victim.Key)
		events = append(events, s.evictedLocked(victim.Key, ReasonCapacity, now))
	}

	s.entries[key] = &entry[V]{
		value:          value,
		priority:       cfg.priority,
		size:           cfg.size,
		insertedAt:     now,
		lastAccessedAt: now,
	}
	s.mgr.Add(key, cfg.priority, cfg.size)

	s.unlockAndNotify(events)
	return nil
}

// Get returns the value stored under key. A stale entry is removed and
// reported as missing.
func (s *Store[V]) Get(key string) (V, bool) {
	return s.lookup(key, true)
}

// lookup is Get with optional hit/miss accounting.
func (s *Store[V]) lookup(key string, count bool) (V, bool) {
	var zero V

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, false
	}

	ent, ok := s.entries[key]
	if !ok {
		if count {
			s.misses++
		}
		s.mu.Unlock()
		return zero, false
	}

	now := s.clock.Now()
	if s.expiry.Expired(ent.insertedAt, now) {
		if count {
			s.misses++
		}
		s.removeLocked(key)
		s.unlockAndNotify([]EvictionEvent{s.evictedLocked(key, ReasonExpired, now)})
		return zero, false
	}

	if count {
		s.hits++
	}
	ent.lastAccessedAt = now
	s.mgr.Touch(key)
	value := ent.value
	s.mu.Unlock()
	return value, true
}

// Delete removes key and reports whether it was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(key)
	s.unlockAndNotify([]EvictionEvent{s.evictedLocked(key, ReasonDeleted, s.clock.Now())})
	return true
}

// Clear drops every entry. No eviction events are emitted.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.clearLocked()
}

// Len returns the number of entries, including stale ones not yet swept.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every stale entry and returns how many were removed. It is
// a no-op on a closed store.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	s.sweeps++
	now := s.clock.Now()
	var events []EvictionEvent
	for key, ent := range s.entries {
		if s.expiry.Expired(ent.insertedAt, now) {
			s.removeLocked(key)
			events = append(events, s.evictedLocked(key, ReasonExpired, now))
		}
	}
	// Map order is random; keep notifications stable.
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })

	s.unlockAndNotify(events)
	return len(events)
}

// GetOrLoad returns the value under key, calling load to produce and store it
// on a miss. Concurrent misses for the same key share one call to load. The
// shared load does not inherit the cancellation of whichever caller started
// it; each caller still returns early when its own ctx is done.
func (s *Store[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context, key string) (V, error), opts ...SetOption) (V, error) {
	var zero V
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	if s.isClosed() {
		return zero, ErrClosed
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (any, error) {
		// Another flight may have stored the value meanwhile. The miss was
		// already counted above.
		if v, ok := s.lookup(key, false); ok {
			return v, nil
		}
		v, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		if err := s.Set(key, v, opts...); err != nil {
			return nil, err
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Shutdown stops the background sweep, waits for it to exit and drops every
// entry without emitting events. It is safe to call more than once.
func (s *Store[V]) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.entries)
	s.clearLocked()
	s.listeners = nil
	stop := s.stopSweep
	s.stopSweep = nil
	s.mu.Unlock()

	// The loop may be blocked on s.mu, so it is stopped after unlocking.
	if stop != nil {
		stop()
	}
	slog.Debug("Store shut down", "store", s.name, "dropped", dropped)
}

func (s *Store[V]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store[V]) removeLocked(key string) {
	delete(s.entries, key)
	s.mgr.Remove(key)
}

func (s *Store[V]) clearLocked() {
	clear(s.entries)
	s.mgr.Reset()
}

func (s *Store[V]) evictedLocked(key string, reason Reason, now time.Time) EvictionEvent {
	s.evictions[reason]++
	return EvictionEvent{Key: key, Reason: reason, Time: now}
}
