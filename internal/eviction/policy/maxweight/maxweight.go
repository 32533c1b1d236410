package maxweight

import "github.com/lucasew/memstate/internal/eviction/policy"

// Policy triggers eviction when the summed size hints exceed MaxWeight.
// A zero MaxWeight disables the bound.
type Policy struct {
	MaxWeight int64
}

func (p *Policy) Exceeded(usage policy.Usage) bool {
	return p.MaxWeight > 0 && usage.Weight > p.MaxWeight
}
