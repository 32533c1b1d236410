package policy

// Usage is the footprint the cache would have after admitting an entry.
type Usage struct {
	Entries int
	Weight  int64
}

// Policy decides whether the cache is over capacity.
type Policy interface {
	// Exceeded reports whether usage is beyond what the policy allows.
	Exceeded(usage Usage) bool
}

// Any reports whether at least one policy is exceeded by usage.
func Any(policies []Policy, usage Usage) bool {
	for _, p := range policies {
		if p.Exceeded(usage) {
			return true
		}
	}
	return false
}
