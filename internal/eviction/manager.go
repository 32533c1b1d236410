package eviction

import (
	"log/slog"

	"github.com/lucasew/memstate/internal/eviction/policy"
)

// Manager tracks the cache footprint and decides which entries must go before
// a new one is admitted. It is not safe for concurrent use; the owning store
// holds its lock around every call.
type Manager struct {
	policies []policy.Policy
	strategy Strategy
	entries  int
	weight   int64
}

// NewManager creates a new Manager.
func NewManager(policies []policy.Policy, strategy Strategy) *Manager {
	return &Manager{
		policies: policies,
		strategy: strategy,
	}
}

// Plan returns the victims that must be evicted so that key can be stored with
// the given size without exceeding any policy. The key itself is never a victim.
// Plan does not change any state.
func (m *Manager) Plan(key string, size int64) []Victim {
	usage := policy.Usage{Entries: m.entries + 1, Weight: m.weight + size}
	if old, ok := m.strategy.Size(key); ok {
		usage = policy.Usage{Entries: m.entries, Weight: m.weight - old + size}
	}

	exceeded := func(u policy.Usage) bool {
		return policy.Any(m.policies, u)
	}
	if !exceeded(usage) {
		return nil
	}

	victims := m.strategy.GetVictims(usage, key, exceeded)
	slog.Debug("Eviction planned", "key", key, "victims", len(victims), "entries", usage.Entries, "weight", usage.Weight)
	return victims
}

// Add records an inserted or replaced key.
func (m *Manager) Add(key string, priority Priority, size int64) {
	if _, ok := m.strategy.Size(key); !ok {
		m.entries++
	}
	m.weight += m.strategy.OnAdd(key, priority, size)
}

// Touch updates the access order in the strategy.
func (m *Manager) Touch(key string) {
	m.strategy.OnAccess(key)
}

// Remove forgets key and releases its weight.
func (m *Manager) Remove(key string) {
	if size, ok := m.strategy.Remove(key); ok {
		m.entries--
		m.weight -= size
	}
}

// Usage returns the tracked footprint.
func (m *Manager) Usage() policy.Usage {
	return policy.Usage{Entries: m.entries, Weight: m.weight}
}

// Reset forgets every key.
func (m *Manager) Reset() {
	m.strategy.Reset()
	m.entries = 0
	m.weight = 0
}
