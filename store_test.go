package memstate_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []memstate.EvictionEvent
}

func (r *recorder) listen(ev memstate.EvictionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []memstate.EvictionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memstate.EvictionEvent(nil), r.events...)
}

func (r *recorder) keys(reason memstate.Reason) []string {
	var out []string
	for _, ev := range r.all() {
		if ev.Reason == reason {
			out = append(out, ev.Key)
		}
	}
	return out
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newStore returns a store driven by a fake clock with the background sweep
// disabled.
func newStore[V any](t *testing.T, mutate func(*memstate.Options)) (*memstate.Store[V], *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	opts := memstate.DefaultOptions()
	opts.GCInterval = 0
	opts.Clock = clk
	opts.OnEviction = rec.listen
	if mutate != nil {
		mutate(&opts)
	}
	s, err := memstate.New[V](opts)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, clk, rec
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*memstate.Options)
		want   error
	}{
		{"zero ttl", func(o *memstate.Options) { o.TTL = 0 }, memstate.ErrInvalidTTL},
		{"negative ttl", func(o *memstate.Options) { o.TTL = -time.Second }, memstate.ErrInvalidTTL},
		{"negative interval", func(o *memstate.Options) { o.GCInterval = -time.Second }, memstate.ErrInvalidInterval},
		{"negative weight", func(o *memstate.Options) { o.MaxWeight = -1 }, memstate.ErrInvalidWeight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := memstate.DefaultOptions()
			tt.mutate(&opts)
			_, err := memstate.New[int](opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unknown strategy", func(t *testing.T) {
		opts := memstate.DefaultOptions()
		opts.Strategy = "fifo"
		_, err := memstate.New[int](opts)
		assert.ErrorContains(t, err, "strategy not found")
	})
}

func TestDefaultOptions(t *testing.T) {
	opts := memstate.DefaultOptions()
	assert.Equal(t, 200, opts.MaxEntries)
	assert.Equal(t, 5*time.Minute, opts.TTL)
	assert.Equal(t, 30*time.Second, opts.GCInterval)
	assert.Equal(t, "priority", opts.Strategy)
}

func TestSet_InvalidArguments(t *testing.T) {
	s, _, _ := newStore[int](t, nil)
	assert.ErrorIs(t, s.Set("a", 1, memstate.WithSize(-1)), memstate.ErrInvalidSize)
	assert.ErrorIs(t, s.Set("a", 1, memstate.WithPriority(memstate.Priority(7))), memstate.ErrInvalidPriority)
	assert.Equal(t, 0, s.Len())
}

func TestCapacityInvariant(t *testing.T) {
	for _, strategy := range []string{"priority", "lru"} {
		t.Run(strategy, func(t *testing.T) {
			const max = 5
			s, _, rec := newStore[int](t, func(o *memstate.Options) {
				o.MaxEntries = max
				o.Strategy = strategy
			})

			rng := rand.New(rand.NewSource(1))
			priorities := []memstate.Priority{memstate.Low, memstate.Medium, memstate.High}
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", rng.Intn(20))
				require.NoError(t, s.Set(key, i, memstate.WithPriority(priorities[rng.Intn(3)])))
				require.LessOrEqual(t, s.Len(), max, "after set #%d", i)

				v, ok := s.Get(key)
				require.True(t, ok, "key just set must be present")
				require.Equal(t, i, v)
			}

			for _, ev := range rec.all() {
				assert.Equal(t, memstate.ReasonCapacity, ev.Reason)
			}
		})
	}
}

func TestTTLInvariant(t *testing.T) {
	s, clk, rec := newStore[int](t, func(o *memstate.Options) {
		o.TTL = 100 * time.Millisecond
	})

	require.NoError(t, s.Set("a", 1))

	clk.Advance(50 * time.Millisecond)
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(100 * time.Millisecond)
	_, ok = s.Get("a")
	assert.False(t, ok)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, memstate.ReasonExpired, events[0].Reason)
	assert.Equal(t, epoch.Add(150*time.Millisecond), events[0].Time)
	assert.Equal(t, 0, s.Len())
}

func TestTTL_ExactBoundaryIsStale(t *testing.T) {
	s, clk, _ := newStore[int](t, func(o *memstate.Options) {
		o.TTL = time.Second
	})
	require.NoError(t, s.Set("a", 1))
	clk.Advance(time.Second)
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestSet_ExistingKeyRestartsTTL(t *testing.T) {
	s, clk, rec := newStore[string](t, func(o *memstate.Options) {
		o.TTL = 100 * time.Millisecond
	})

	require.NoError(t, s.Set("a", "old"))
	clk.Advance(80 * time.Millisecond)
	require.NoError(t, s.Set("a", "new", memstate.WithPriority(memstate.High)))
	clk.Advance(80 * time.Millisecond)

	v, ok := s.Get("a")
	require.True(t, ok, "replacing a key restarts its TTL")
	assert.Equal(t, "new", v)
	assert.Empty(t, rec.all(), "replacing a key is not an eviction")

	clk.Advance(20 * time.Millisecond)
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	s, _, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 3
	})

	require.NoError(t, s.Set("high", 1, memstate.WithPriority(memstate.High)))
	require.NoError(t, s.Set("low", 2, memstate.WithPriority(memstate.Low)))
	require.NoError(t, s.Set("medium", 3, memstate.WithPriority(memstate.Medium)))

	// Reading the low entry does not protect it from eviction.
	_, ok := s.Get("low")
	require.True(t, ok)

	require.NoError(t, s.Set("new", 4, memstate.WithPriority(memstate.Low)))
	assert.Equal(t, []string{"low"}, rec.keys(memstate.ReasonCapacity))

	require.NoError(t, s.Set("new2", 5, memstate.WithPriority(memstate.High)))
	assert.Equal(t, []string{"low", "new"}, rec.keys(memstate.ReasonCapacity))

	require.NoError(t, s.Set("new3", 6, memstate.WithPriority(memstate.High)))
	assert.Equal(t, []string{"low", "new", "medium"}, rec.keys(memstate.ReasonCapacity))
}

func TestLRUTieBreak(t *testing.T) {
	s, clk, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 2
	})

	require.NoError(t, s.Set("a", 1))
	clk.Advance(time.Millisecond)
	require.NoError(t, s.Set("b", 2))
	clk.Advance(time.Millisecond)

	_, ok := s.Get("a")
	require.True(t, ok)

	require.NoError(t, s.Set("c", 3))
	assert.Equal(t, []string{"b"}, rec.keys(memstate.ReasonCapacity))

	_, ok = s.Get("a")
	assert.True(t, ok)
	_, ok = s.Get("b")
	assert.False(t, ok)
}

func TestShutdown_Idempotent(t *testing.T) {
	s, _, rec := newStore[int](t, nil)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	s.Shutdown()
	s.Shutdown()

	assert.Empty(t, rec.all(), "shutdown drops entries without events")
	assert.ErrorIs(t, s.Set("c", 3), memstate.ErrClosed)

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 0, s.Sweep())
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())

	_, err := s.GetOrLoad(context.Background(), "a", func(context.Context, string) (int, error) {
		t.Fatal("loader must not run on a closed store")
		return 0, nil
	})
	assert.ErrorIs(t, err, memstate.ErrClosed)

	st := s.Stats()
	assert.True(t, st.Closed)
	assert.Zero(t, st.TotalEntries)
	assert.Empty(t, rec.all())
}

func TestEvictionEventCompleteness(t *testing.T) {
	s, clk, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 2
		o.TTL = time.Second
	})

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("c", 3)) // evicts a
	assert.True(t, s.Delete("b"))
	assert.False(t, s.Delete("b"))

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Sweep()) // expires c
	assert.Equal(t, 0, s.Sweep())

	require.NoError(t, s.Set("d", 4))
	s.Clear()

	got := map[string][]memstate.Reason{}
	for _, ev := range rec.all() {
		got[ev.Key] = append(got[ev.Key], ev.Reason)
	}
	assert.Equal(t, map[string][]memstate.Reason{
		"a": {memstate.ReasonCapacity},
		"b": {memstate.ReasonDeleted},
		"c": {memstate.ReasonExpired},
	}, got)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Evictions[memstate.ReasonCapacity])
	assert.Equal(t, uint64(1), st.Evictions[memstate.ReasonDeleted])
	assert.Equal(t, uint64(1), st.Evictions[memstate.ReasonExpired])
	assert.Equal(t, uint64(2), st.Sweeps)
}

func TestScenario_EqualPriorityEvictsOldest(t *testing.T) {
	s, _, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 2
	})

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("c", 3))

	keys := []string{}
	for _, e := range s.Snapshot() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"b", "c"}, keys)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, memstate.ReasonCapacity, events[0].Reason)
}

func TestScenario_SingleSlotEvictsHigherPriority(t *testing.T) {
	s, _, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 1
	})

	require.NoError(t, s.Set("a", 1, memstate.WithPriority(memstate.High)))
	require.NoError(t, s.Set("b", 2, memstate.WithPriority(memstate.Low)))

	_, ok := s.Get("a")
	assert.False(t, ok)
	v, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"a"}, rec.keys(memstate.ReasonCapacity))
}

func TestScenario_PriorityBreakdown(t *testing.T) {
	s, clk, _ := newStore[int](t, nil)

	require.NoError(t, s.Set("h", 1, memstate.WithPriority(memstate.High)))
	clk.Advance(3 * time.Second)
	require.NoError(t, s.Set("m", 2, memstate.WithPriority(memstate.Medium), memstate.WithSize(4)))
	require.NoError(t, s.Set("l", 3, memstate.WithPriority(memstate.Low)))
	clk.Advance(time.Second)

	st := s.Stats()
	assert.Equal(t, map[memstate.Priority]int{memstate.High: 1, memstate.Medium: 1, memstate.Low: 1}, st.PriorityBreakdown)
	assert.Equal(t, 3, st.TotalEntries)
	assert.Equal(t, int64(6), st.TotalWeight)
	assert.Equal(t, 4*time.Second, st.OldestEntryAge)
}

func TestMaxEntriesZero(t *testing.T) {
	s, _, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 0
	})

	require.NoError(t, s.Set("a", 1))
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []string{"a"}, rec.keys(memstate.ReasonCapacity))
}

func TestMaxWeight(t *testing.T) {
	s, _, rec := newStore[int](t, func(o *memstate.Options) {
		o.MaxEntries = 10
		o.MaxWeight = 10
	})

	require.NoError(t, s.Set("a", 1, memstate.WithSize(4), memstate.WithPriority(memstate.High)))
	require.NoError(t, s.Set("b", 2, memstate.WithSize(4), memstate.WithPriority(memstate.Low)))
	require.NoError(t, s.Set("c", 3, memstate.WithSize(4)))
	assert.Equal(t, []string{"b"}, rec.keys(memstate.ReasonCapacity))
	assert.Equal(t, int64(8), s.Stats().TotalWeight)

	// An oversized entry is admitted once everything else is gone.
	require.NoError(t, s.Set("big", 4, memstate.WithSize(50)))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(50), s.Stats().TotalWeight)
}

func TestListeners(t *testing.T) {
	t.Run("registration order and panics", func(t *testing.T) {
		s, _, _ := newStore[int](t, func(o *memstate.Options) { o.OnEviction = nil })

		var order []string
		s.OnEviction(func(memstate.EvictionEvent) { order = append(order, "first") })
		s.OnEviction(func(memstate.EvictionEvent) { panic("listener bug") })
		s.OnEviction(func(memstate.EvictionEvent) { order = append(order, "third") })

		require.NoError(t, s.Set("a", 1))
		assert.NotPanics(t, func() { assert.True(t, s.Delete("a")) })
		assert.Equal(t, []string{"first", "third"}, order)
	})

	t.Run("listener may call back into the store", func(t *testing.T) {
		s, _, _ := newStore[int](t, func(o *memstate.Options) {
			o.OnEviction = nil
			o.MaxEntries = 1
		})

		var seen int
		s.OnEviction(func(ev memstate.EvictionEvent) {
			seen = s.Len()
			_ = s.Stats()
		})
		require.NoError(t, s.Set("a", 1))
		require.NoError(t, s.Set("b", 2))
		assert.Equal(t, 1, seen)
	})
}

func TestSweep_DoesNotEvictForCapacity(t *testing.T) {
	s, clk, rec := newStore[int](t, func(o *memstate.Options) {
		o.TTL = time.Second
	})

	require.NoError(t, s.Set("a", 1))
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, s.Set("b", 2))
	clk.Advance(600 * time.Millisecond)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"a"}, rec.keys(memstate.ReasonExpired))
	assert.Equal(t, 1, s.Len())
}

func TestBackgroundSweep(t *testing.T) {
	clk := clock.NewFake(epoch)
	rec := &recorder{}
	opts := memstate.DefaultOptions()
	opts.TTL = time.Second
	opts.GCInterval = 5 * time.Millisecond
	opts.Clock = clk
	opts.OnEviction = rec.listen

	s, err := memstate.New[int](opts)
	require.NoError(t, err)
	defer s.Shutdown()

	require.NoError(t, s.Set("a", 1))
	clk.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, rec.keys(memstate.ReasonExpired))
}

func TestSnapshot_Copies(t *testing.T) {
	s, clk, _ := newStore[[]int](t, func(o *memstate.Options) {
		o.TTL = time.Second
	})

	require.NoError(t, s.Set("b", []int{1}))
	require.NoError(t, s.Set("a", []int{2}, memstate.WithPriority(memstate.Low)))
	clk.Advance(200 * time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, memstate.Low, snap[0].Priority)
	assert.Equal(t, 800*time.Millisecond, snap[0].ExpiresIn)

	snap[0].Key = "mutated"
	assert.Equal(t, "a", s.Snapshot()[0].Key)

	clk.Advance(time.Second)
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 2, s.Len(), "snapshot does not remove stale entries")
}

func TestGetOrLoad(t *testing.T) {
	t.Run("deduplicates concurrent loads", func(t *testing.T) {
		s, _, _ := newStore[string](t, nil)

		var calls atomic.Int32
		release := make(chan struct{})
		load := func(ctx context.Context, key string) (string, error) {
			calls.Add(1)
			<-release
			return "value-" + key, nil
		}

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := s.GetOrLoad(context.Background(), "k", load)
				assert.NoError(t, err)
				results[i] = v
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, v := range results {
			assert.Equal(t, "value-k", v)
		}
		v, ok := s.Get("k")
		assert.True(t, ok)
		assert.Equal(t, "value-k", v)
	})

	t.Run("loader error is returned and nothing is stored", func(t *testing.T) {
		s, _, _ := newStore[string](t, nil)
		boom := errors.New("boom")
		_, err := s.GetOrLoad(context.Background(), "k", func(context.Context, string) (string, error) {
			return "", boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, s.Len())
	})

	t.Run("hit skips the loader", func(t *testing.T) {
		s, _, _ := newStore[string](t, nil)
		require.NoError(t, s.Set("k", "cached"))
		v, err := s.GetOrLoad(context.Background(), "k", func(context.Context, string) (string, error) {
			t.Fatal("loader called on hit")
			return "", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "cached", v)
	})

	t.Run("context cancellation", func(t *testing.T) {
		s, _, _ := newStore[string](t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		release := make(chan struct{})
		defer close(release)
		_, err := s.GetOrLoad(ctx, "k", func(ctx context.Context, key string) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "", ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("first caller cancelling does not fail the others", func(t *testing.T) {
		s, _, _ := newStore[string](t, nil)

		started := make(chan struct{})
		release := make(chan struct{})
		load := func(ctx context.Context, key string) (string, error) {
			close(started)
			select {
			case <-release:
				return "value-" + key, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		firstCtx, cancelFirst := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := s.GetOrLoad(firstCtx, "k", load)
			firstErr <- err
		}()
		<-started

		type result struct {
			v   string
			err error
		}
		second := make(chan result, 1)
		go func() {
			v, err := s.GetOrLoad(context.Background(), "k", load)
			second <- result{v, err}
		}()
		time.Sleep(20 * time.Millisecond)

		cancelFirst()
		assert.ErrorIs(t, <-firstErr, context.Canceled)

		close(release)
		res := <-second
		require.NoError(t, res.err)
		assert.Equal(t, "value-k", res.v)

		v, ok := s.Get("k")
		assert.True(t, ok)
		assert.Equal(t, "value-k", v)
	})
}

func TestConcurrentAccess(t *testing.T) {
	opts := memstate.DefaultOptions()
	opts.MaxEntries = 16
	opts.GCInterval = time.Millisecond
	opts.TTL = 5 * time.Millisecond
	s, err := memstate.New[int](opts)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%40)
				switch i % 4 {
				case 0, 1:
					_ = s.Set(key, i)
				case 2:
					s.Get(key)
				case 3:
					s.Delete(key)
				}
				if n := s.Len(); n > opts.MaxEntries {
					t.Errorf("len %d exceeds max entries", n)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	s.Shutdown()
	s.Shutdown()
}

func TestStats_HitsAndMisses(t *testing.T) {
	s, _, _ := newStore[int](t, nil)
	require.NoError(t, s.Set("a", 1))
	s.Get("a")
	s.Get("a")
	s.Get("missing")

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, "default", st.Name)
	assert.False(t, st.Closed)
}

func TestStats_GetOrLoadCountsOneMiss(t *testing.T) {
	s, _, _ := newStore[int](t, nil)
	_, err := s.GetOrLoad(context.Background(), "k", func(context.Context, string) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)

	_, err = s.GetOrLoad(context.Background(), "k", func(context.Context, string) (int, error) {
		t.Fatal("loader called on hit")
		return 0, nil
	})
	require.NoError(t, err)
	st = s.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}
