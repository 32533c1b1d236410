package memstate

import (
	"sort"
	"time"
)

// Stats is a point-in-time summary of a store.
type Stats struct {
	Name              string            `json:"name"`
	TotalEntries      int               `json:"total_entries"`
	TotalWeight       int64             `json:"total_weight"`
	MaxEntries        int               `json:"max_entries"`
	MaxWeight         int64             `json:"max_weight,omitempty"`
	PriorityBreakdown map[Priority]int  `json:"priority_breakdown"`
	OldestEntryAge    time.Duration     `json:"oldest_entry_age"`
	Hits              uint64            `json:"hits"`
	Misses            uint64            `json:"misses"`
	Sweeps            uint64            `json:"sweeps"`
	Evictions         map[Reason]uint64 `json:"evictions"`
	Closed            bool              `json:"closed"`
}

// EntryInfo is a copy of one entry and its metadata.
type EntryInfo[V any] struct {
	Key            string        `json:"key"`
	Value          V             `json:"value"`
	Priority       Priority      `json:"priority"`
	Size           int64         `json:"size"`
	InsertedAt     time.Time     `json:"inserted_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	ExpiresIn      time.Duration `json:"expires_in"`
}

// Stats returns counters and a breakdown of the current entries. It does not
// expire anything or change recency.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Name:              s.name,
		TotalEntries:      len(s.entries),
		TotalWeight:       s.mgr.Usage().Weight,
		MaxEntries:        s.maxEntries,
		MaxWeight:         s.maxWeight,
		PriorityBreakdown: make(map[Priority]int, 3),
		Hits:              s.hits,
		Misses:            s.misses,
		Sweeps:            s.sweeps,
		Evictions:         make(map[Reason]uint64, len(Reasons)),
		Closed:            s.closed,
	}
	for _, p := range []Priority{Low, Medium, High} {
		st.PriorityBreakdown[p] = 0
	}
	for _, r := range Reasons {
		st.Evictions[r] = s.evictions[r]
	}

	now := s.clock.Now()
	for _, ent := range s.entries {
		st.PriorityBreakdown[ent.priority]++
		if age := now.Sub(ent.insertedAt); age > st.OldestEntryAge {
			st.OldestEntryAge = age
		}
	}
	return st
}

// Snapshot returns copies of the fresh entries ordered by key. Stale entries
// are skipped but left for Get or Sweep to remove.
func (s *Store[V]) Snapshot() []EntryInfo[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	out := make([]EntryInfo[V], 0, len(s.entries))
	for key, ent := range s.entries {
		if s.expiry.Expired(ent.insertedAt, now) {
			continue
		}
		out = append(out, EntryInfo[V]{
			Key:            key,
			Value:          ent.value,
			Priority:       ent.priority,
			Size:           ent.size,
			InsertedAt:     ent.insertedAt,
			LastAccessedAt: ent.lastAccessedAt,
			ExpiresIn:      s.expiry.Remaining(ent.insertedAt, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
