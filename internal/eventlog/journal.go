// Package eventlog persists eviction events to SQLite so they can be
// inspected after the process that produced them is gone.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/errutil"
)

// JournalOptions tunes batching. Zero values pick the defaults.
type JournalOptions struct {
	// Buffer is the number of events queued before new ones are dropped.
	Buffer int
	// BatchSize flushes as soon as this many events are pending.
	BatchSize int
	// FlushInterval flushes pending events at least this often.
	FlushInterval time.Duration
}

// Journal writes eviction events to a DB on a background goroutine. Store
// listeners never block on disk: when the buffer is full the event is dropped
// and counted.
type Journal struct {
	db   *DB
	opts JournalOptions

	mu      sync.RWMutex
	closed  bool
	events  chan Record
	done    chan struct{}
	dropped atomic.Uint64
}

// NewJournal starts a journal writing into db.
func NewJournal(db *DB, opts JournalOptions) *Journal {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	j := &Journal{
		db:     db,
		opts:   opts,
		events: make(chan Record, opts.Buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// Listener returns an eviction listener that journals events of the named store.
func (j *Journal) Listener(store string) func(memstate.EvictionEvent) {
	return func(ev memstate.EvictionEvent) {
		j.enqueue(Record{Store: store, EvictionEvent: ev})
	}
}

func (j *Journal) enqueue(r Record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- r:
	default:
		if n := j.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("Eviction journal buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, j.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := j.db.Insert(context.Background(), batch)
		errutil.LogMsg(err, "Failed to write eviction journal", "events", len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-j.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops accepting events, writes what is pending and waits for the
// writer to finish. It does not close the DB.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()
	<-j.done
}
