package memstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucasew/memstate/internal/clock"
	"github.com/lucasew/memstate/internal/eviction"
	"github.com/lucasew/memstate/internal/eviction/priority"
	"github.com/lucasew/memstate/internal/expiry"
)

const (
	DefaultMaxEntries = 200
	DefaultTTL        = 5 * time.Minute
	DefaultGCInterval = 30 * time.Second
	DefaultStrategy   = priority.Name
)

var (
	// ErrClosed is returned by operations on a store that has been shut down.
	ErrClosed = errors.New("store closed")

	// ErrInvalidTTL is returned by New when the TTL is not positive.
	ErrInvalidTTL = expiry.ErrInvalidTTL

	// ErrInvalidInterval is returned by New when the sweep interval is negative.
	ErrInvalidInterval = errors.New("gc interval must not be negative")

	// ErrInvalidWeight is returned by New when MaxWeight is negative.
	ErrInvalidWeight = errors.New("max weight must not be negative")

	// ErrInvalidSize is returned by Set for a negative size hint.
	ErrInvalidSize = errors.New("size must not be negative")

	// ErrInvalidPriority is returned by Set for a priority outside low, medium and high.
	ErrInvalidPriority = errors.New("invalid priority")
)

// Clock supplies the current time to a store.
type Clock = clock.Clock

// Options configures a Store.
type Options struct {
	// Name identifies the store in logs, stats and metrics.
	Name string

	// MaxEntries bounds the number of entries. Zero or less makes every Set
	// evict the entry it just inserted.
	MaxEntries int

	// MaxWeight bounds the sum of size hints. Zero disables the bound.
	MaxWeight int64

	// TTL is how long an entry stays fresh after it is set.
	TTL time.Duration

	// GCInterval is the period of the background sweep. Zero disables it.
	GCInterval time.Duration

	// Strategy names the registered eviction strategy ("priority" or "lru").
	Strategy string

	// OnEviction, when set, is registered as the first listener.
	OnEviction func(EvictionEvent)

	Clock Clock
}

// DefaultOptions returns the options used by most stores.
func DefaultOptions() Options {
	return Options{
		Name:       "default",
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
		GCInterval: DefaultGCInterval,
		Strategy:   DefaultStrategy,
	}
}

func (o Options) validate() error {
	if o.TTL <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, o.TTL)
	}
	if o.GCInterval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, o.GCInterval)
	}
	if o.MaxWeight < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWeight, o.MaxWeight)
	}
	return nil
}

type setConfig struct {
	priority Priority
	size     int64
}

// SetOption customises a single Set call.
type SetOption func(*setConfig)

// WithPriority sets the eviction priority of the entry. The default is Medium.
func WithPriority(p Priority) SetOption {
	return func(c *setConfig) {
		c.priority = p
	}
}

// WithSize sets the weight of the entry. The default is 1.
func WithSize(size int64) SetOption {
	return func(c *setConfig) {
		c.size = size
	}
}

func newSetConfig(opts []SetOption) (setConfig, error) {
	cfg := setConfig{priority: Medium, size: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.size < 0 {
		return cfg, fmt.Errorf("%w: %d", ErrInvalidSize, cfg.size)
	}
	if !cfg.priority.Valid() {
		return cfg, fmt.Errorf("%w: %d", ErrInvalidPriority, int(cfg.priority))
	}
	return cfg, nil
}

// Priority ranks entries for eviction. Low entries are evicted first.
type Priority = eviction.Priority

const (
	Low    = eviction.Low
	Medium = eviction.Medium
	High   = eviction.High
)

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	return eviction.ParsePriority(s)
}
