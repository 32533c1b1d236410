package memstate

import (
	"time"

	"github.com/lucasew/memstate/internal/errutil"
)

// Reason tells why an entry left the store.
type Reason string

const (
	ReasonExpired  Reason = "ttl-expired"
	ReasonCapacity Reason = "capacity-evicted"
	ReasonDeleted  Reason = "explicit-delete"
)

// Reasons lists every eviction reason.
var Reasons = []Reason{ReasonExpired, ReasonCapacity, ReasonDeleted}

// EvictionEvent describes the removal of a single entry.
type EvictionEvent struct {
	Key    string    `json:"key"`
	Reason Reason    `json:"reason"`
	Time   time.Time `json:"time"`
}

// OnEviction registers fn to be called for every eviction event. Listeners
// run synchronously in registration order on the goroutine that caused the
// eviction, after the store lock has been released.
func (s *Store[V]) OnEviction(fn func(EvictionEvent)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.listeners = append(s.listeners, fn)
}

// unlockAndNotify releases s.mu and delivers events to the listeners that were
// registered while the lock was held.
func (s *Store[V]) unlockAndNotify(events []EvictionEvent) {
	listeners := s.listeners
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			s.notify(fn, ev)
		}
	}
}

func (s *Store[V]) notify(fn func(EvictionEvent), ev EvictionEvent) {
	defer func() {
		errutil.ReportPanic(recover(), "Eviction listener panicked", "store", s.name, "key", ev.Key, "reason", ev.Reason)
	}()
	fn(ev)
}
