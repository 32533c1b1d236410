package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Loop runs Sweep every Interval until its context is cancelled.
type Loop struct {
	Interval time.Duration
	// Sweep performs one pass and returns how many entries it removed.
	Sweep func() int
	// Name identifies the owner in log lines.
	Name string
}

// Start runs the background sweep loop. It blocks until ctx is done.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cancellation may race with the tick.
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if removed := l.Sweep(); removed > 0 {
				slog.Debug("Sweep removed expired entries", "store", l.Name, "removed", removed, "took", time.Since(start))
			}
		}
	}
}

// Run starts the loop on its own goroutine and returns a stop function that
// cancels it and waits for it to exit. Calling stop more than once is safe.
func Run(l *Loop) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
