package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/errutil"
)

type benchResult struct {
	Ops       int            `json:"ops"`
	Workers   int            `json:"workers"`
	Elapsed   string         `json:"elapsed"`
	OpsPerSec float64        `json:"ops_per_sec"`
	HitRatio  float64        `json:"hit_ratio"`
	Stats     memstate.Stats `json:"stats"`
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Runs a concurrent in-process load against a store",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		workers, _ := flags.GetInt("workers")
		ops, _ := flags.GetInt("ops")
		keys, _ := flags.GetInt("keys")
		readRatio, _ := flags.GetFloat64("read-ratio")
		quiet, _ := flags.GetBool("quiet")

		if workers <= 0 || ops <= 0 || keys <= 0 {
			return fmt.Errorf("workers, ops and keys must be positive")
		}

		opts := memstate.DefaultOptions()
		opts.Name = "bench"
		opts.MaxEntries, _ = flags.GetInt("max-entries")
		opts.TTL, _ = flags.GetDuration("ttl")
		opts.GCInterval, _ = flags.GetDuration("gc-interval")
		opts.Strategy, _ = flags.GetString("strategy")

		store, err := memstate.New[[]byte](opts)
		if err != nil {
			return err
		}
		defer store.Shutdown()

		bar := progressbar.NewOptions(
			ops,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("bench"),
			progressbar.OptionSetVisibility(!quiet),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)

		priorities := []memstate.Priority{memstate.Low, memstate.Medium, memstate.High}
		payload := make([]byte, 64)

		g, ctx := errgroup.WithContext(cmd.Context())
		start := time.Now()
		for w := 0; w < workers; w++ {
			share := ops / workers
			if w < ops%workers {
				share++
			}
			seed := int64(w) + 1
			g.Go(func() error {
				rng := rand.New(rand.NewSource(seed))
				for i := 0; i < share; i++ {
					if i%256 == 0 && ctx.Err() != nil {
						return ctx.Err()
					}
					key := fmt.Sprintf("key-%d", rng.Intn(keys))
					if rng.Float64() < readRatio {
						store.Get(key)
					} else if err := store.Set(key, payload, memstate.WithPriority(priorities[rng.Intn(len(priorities))])); err != nil {
						return err
					}
					errutil.LogMsg(bar.Add(1), "Failed to update progress bar")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")

		elapsed := time.Since(start)
		st := store.Stats()
		res := benchResult{
			Ops:       ops,
			Workers:   workers,
			Elapsed:   elapsed.String(),
			OpsPerSec: float64(ops) / elapsed.Seconds(),
			Stats:     st,
		}
		if reads := st.Hits + st.Misses; reads > 0 {
			res.HitRatio = float64(st.Hits) / float64(reads)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	f := benchCmd.Flags()
	f.Int("workers", 8, "Concurrent workers")
	f.Int("ops", 1_000_000, "Total operations")
	f.Int("keys", 10_000, "Distinct keys")
	f.Float64("read-ratio", 0.8, "Fraction of operations that are reads")
	f.Int("max-entries", memstate.DefaultMaxEntries, "Max entries in the store")
	f.Duration("ttl", memstate.DefaultTTL, "Time to live of entries")
	f.Duration("gc-interval", memstate.DefaultGCInterval, "Interval between expiry sweeps")
	f.String("strategy", memstate.DefaultStrategy, "Eviction strategy (priority, lru)")
	f.BoolP("quiet", "q", false, "Hide the progress bar")
}
