package lru

import (
	"container/list"

	"github.com/lucasew/memstate/internal/eviction"
	"github.com/lucasew/memstate/internal/eviction/policy"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
// Priorities are recorded but ignored when choosing victims.
type LRU struct {
	list  *list.List
	items map[string]*list.Element
}

type entry struct {
	key      string
	size     int64
	priority eviction.Priority
}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) OnAdd(key string, priority eviction.Priority, size int64) int64 {
	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		ent.priority = priority
		return size - oldSize
	}

	elem := l.list.PushFront(&entry{key: key, size: size, priority: priority})
	l.items[key] = elem
	return size
}

func (l *LRU) OnAccess(key string) {
	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
	}
}

func (l *LRU) Size(key string) (int64, bool) {
	if elem, ok := l.items[key]; ok {
		return elem.Value.(*entry).size, true
	}
	return 0, false
}

func (l *LRU) Remove(key string) (int64, bool) {
	elem, ok := l.items[key]
	if !ok {
		return 0, false
	}
	l.list.Remove(elem)
	delete(l.items, key)
	return elem.Value.(*entry).size, true
}

func (l *LRU) GetVictims(usage policy.Usage, exclude string, exceeded func(policy.Usage) bool) []eviction.Victim {
	var victims []eviction.Victim

	// Traverse from back without modifying
	for elem := l.list.Back(); elem != nil && exceeded(usage); elem = elem.Prev() {
		ent := elem.Value.(*entry)
		if ent.key == exclude {
			continue
		}
		victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size, Priority: ent.priority})
		usage.Entries--
		usage.Weight -= ent.size
	}

	return victims
}

func (l *LRU) Reset() {
	l.list.Init()
	clear(l.items)
}
