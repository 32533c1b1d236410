package maxentries

import "github.com/lucasew/memstate/internal/eviction/policy"

// Policy triggers eviction when the cache holds more than Max entries.
type Policy struct {
	Max int
}

func (p *Policy) Exceeded(usage policy.Usage) bool {
	return usage.Entries > p.Max
}
