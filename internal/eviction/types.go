package eviction

import (
	"fmt"

	"github.com/lucasew/memstate/internal/eviction/policy"
)

// Priority ranks entries for eviction. Lower priorities are evicted first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

// Priorities lists every priority in eviction order.
var Priorities = []Priority{Low, Medium, High}

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= Low && p <= High
}

// ParsePriority converts the textual form produced by String back into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Victim represents an entry to be evicted.
type Victim struct {
	Key      string
	Size     int64
	Priority Priority
}

// Strategy defines the interface for eviction strategies.
//
// Strategies are not safe for concurrent use; the owning store serialises calls.
type Strategy interface {
	// OnAdd is called when an entry is inserted or replaced.
	// It returns the change in total weight managed by the strategy.
	OnAdd(key string, priority Priority, size int64) int64

	// OnAccess is called when an entry is read.
	OnAccess(key string)

	// Size returns the weight recorded for key.
	Size(key string) (int64, bool)

	// Remove drops a key from the strategy and returns its weight.
	Remove(key string) (int64, bool)

	// GetVictims walks candidates in eviction order, skipping exclude, until
	// exceeded reports false for the reduced usage or candidates run out.
	// It does not modify the strategy.
	GetVictims(usage policy.Usage, exclude string, exceeded func(policy.Usage) bool) []Victim

	// Reset forgets every key.
	Reset()
}
