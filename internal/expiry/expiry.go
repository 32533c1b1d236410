package expiry

import (
	"errors"
	"time"
)

// ErrInvalidTTL is returned for a non-positive TTL.
var ErrInvalidTTL = errors.New("ttl must be positive")

// Policy decides when an entry is stale. The TTL is fixed for the whole store
// and counts from the moment the entry was inserted.
type Policy struct {
	TTL time.Duration
}

// New validates ttl and returns a Policy.
func New(ttl time.Duration) (Policy, error) {
	if ttl <= 0 {
		return Policy{}, ErrInvalidTTL
	}
	return Policy{TTL: ttl}, nil
}

// Expired reports whether an entry inserted at insertedAt is stale at now.
func (p Policy) Expired(insertedAt, now time.Time) bool {
	return now.Sub(insertedAt) >= p.TTL
}

// Remaining returns how long an entry inserted at insertedAt stays fresh.
// It is zero once the entry is stale.
func (p Policy) Remaining(insertedAt, now time.Time) time.Duration {
	if d := p.TTL - now.Sub(insertedAt); d > 0 {
		return d
	}
	return 0
}
