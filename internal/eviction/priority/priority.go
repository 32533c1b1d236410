// Package priority implements the default eviction strategy: entries are
// partitioned by priority and, inside each partition, evicted least recently
// used first. A low priority entry is always chosen before any medium or high
// one, regardless of how recently it was read.
package priority

import (
	"container/list"

	"github.com/lucasew/memstate/internal/eviction"
	"github.com/lucasew/memstate/internal/eviction/policy"
)

// Name is the registry name of this strategy.
const Name = "priority"

type entry struct {
	key      string
	size     int64
	priority eviction.Priority
}

// Strategy keeps one recency list per priority. The front of each list is the
// most recently used key of that tier.
type Strategy struct {
	tiers map[eviction.Priority]*list.List
	items map[string]*list.Element
}

func init() {
	eviction.Register(Name, func() eviction.Strategy {
		return New()
	})
}

func New() *Strategy {
	s := &Strategy{
		tiers: make(map[eviction.Priority]*list.List, len(eviction.Priorities)),
		items: make(map[string]*list.Element),
	}
	for _, p := range eviction.Priorities {
		s.tiers[p] = list.New()
	}
	return s
}

func (s *Strategy) OnAdd(key string, priority eviction.Priority, size int64) int64 {
	if elem, ok := s.items[key]; ok {
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		if ent.priority == priority {
			s.tiers[priority].MoveToFront(elem)
			return size - oldSize
		}
		// Changing tiers: move to the front of the new one.
		s.tiers[ent.priority].Remove(elem)
		ent.priority = priority
		s.items[key] = s.tiers[priority].PushFront(ent)
		return size - oldSize
	}

	s.items[key] = s.tiers[priority].PushFront(&entry{key: key, size: size, priority: priority})
	return size
}

func (s *Strategy) OnAccess(key string) {
	if elem, ok := s.items[key]; ok {
		s.tiers[elem.Value.(*entry).priority].MoveToFront(elem)
	}
}

func (s *Strategy) Size(key string) (int64, bool) {
	if elem, ok := s.items[key]; ok {
		return elem.Value.(*entry).size, true
	}
	return 0, false
}

func (s *Strategy) Remove(key string) (int64, bool) {
	elem, ok := s.items[key]
	if !ok {
		return 0, false
	}
	ent := elem.Value.(*entry)
	s.tiers[ent.priority].Remove(elem)
	delete(s.items, key)
	return ent.size, true
}

func (s *Strategy) GetVictims(usage policy.Usage, exclude string, exceeded func(policy.Usage) bool) []eviction.Victim {
	var victims []eviction.Victim

	for _, p := range eviction.Priorities {
		for elem := s.tiers[p].Back(); elem != nil; elem = elem.Prev() {
			if !exceeded(usage) {
				return victims
			}
			ent := elem.Value.(*entry)
			if ent.key == exclude {
				continue
			}
			victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size, Priority: ent.priority})
			usage.Entries--
			usage.Weight -= ent.size
		}
	}

	return victims
}

func (s *Strategy) Reset() {
	for _, l := range s.tiers {
		l.Init()
	}
	clear(s.items)
}
