package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/eventlog"
	"github.com/lucasew/memstate/internal/handler"
	"github.com/lucasew/memstate/internal/hashutil"
	"github.com/lucasew/memstate/internal/metrics"
	"github.com/lucasew/memstate/internal/proxy"
)

// StoreConfig holds the tunables shared by every store the server creates.
type StoreConfig struct {
	MaxEntries int
	MaxWeight  int64
	TTL        time.Duration
	GCInterval time.Duration
	Strategy   string
}

// Options converts the config into store options for the named store.
func (c StoreConfig) Options(name string) memstate.Options {
	opts := memstate.DefaultOptions()
	opts.Name = name
	opts.MaxEntries = c.MaxEntries
	opts.MaxWeight = c.MaxWeight
	opts.TTL = c.TTL
	opts.GCInterval = c.GCInterval
	if c.Strategy != "" {
		opts.Strategy = c.Strategy
	}
	return opts
}

type Config struct {
	Port int

	State StoreConfig
	Proxy StoreConfig

	// ProxyRules are "priority=regex" specs; no rules disables memoization.
	ProxyRules        []string
	ProxyMaxBodyBytes int64
	UpstreamTimeout   time.Duration
	UpstreamCAFile    string
	CA                proxy.CAConfig

	HashAlgo         string
	MaxStateBytes    int64
	MetricsNamespace string

	// JournalPath enables the SQLite eviction journal when set.
	JournalPath string
}

// Validate reports configuration errors that would otherwise only surface
// when the first request arrives.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if !hashutil.IsSupported(c.HashAlgo) {
		errs = append(errs, fmt.Errorf("unsupported hash algorithm: %s", c.HashAlgo))
	}
	if _, err := proxy.ParseRules(c.ProxyRules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewServer wires the state API, the memoizing proxy, metrics and the optional
// journal into one http.Server. cleanup releases everything NewServer opened
// and must be called after the server stops.
func NewServer(cfg Config) (*http.Server, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	m := metrics.New(cfg.MetricsNamespace)

	var journal *eventlog.Journal
	if cfg.JournalPath != "" {
		database, err := eventlog.Open(cfg.JournalPath)
		if err != nil {
			return fail(fmt.Errorf("failed to open journal at %s: %w", cfg.JournalPath, err))
		}
		closers = append(closers, func() {
			if err := database.Close(); err != nil {
				slog.Warn("Failed to close journal database", "error", err)
			}
		})
		journal = eventlog.NewJournal(database, eventlog.JournalOptions{})
		closers = append(closers, journal.Close)
		slog.Info("Eviction journal enabled", "path", cfg.JournalPath)
	}

	stateOpts := cfg.State.Options("state")
	if journal != nil {
		stateOpts.OnEviction = journal.Listener(stateOpts.Name)
	}
	stateStore, err := memstate.New[handler.Blob](stateOpts)
	if err != nil {
		return fail(fmt.Errorf("failed to create state store: %w", err))
	}
	closers = append(closers, stateStore.Shutdown)
	m.Stores.Add(stateStore)

	proxyStore, err := memstate.New[proxy.Response](cfg.Proxy.Options("proxy"))
	if err != nil {
		return fail(fmt.Errorf("failed to create proxy store: %w", err))
	}
	closers = append(closers, proxyStore.Shutdown)
	if journal != nil {
		proxyStore.OnEviction(journal.Listener("proxy"))
	}
	m.Stores.Add(proxyStore)

	stateHandler, err := handler.NewStateHandler(stateStore, cfg.HashAlgo, proxyStore)
	if err != nil {
		return fail(err)
	}
	stateHandler.MaxBodyBytes = cfg.MaxStateBytes

	mux := http.NewServeMux()
	stateHandler.Register(mux)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	proxyServer, err := newProxy(cfg, proxyStore, m.InstrumentAPI(mux))
	if err != nil {
		return fail(err)
	}
	proxyServer.Metrics = m

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting server (State API + Proxy)", "addr", addr, "rules", len(cfg.ProxyRules), "journal", cfg.JournalPath != "")

	server := &http.Server{
		Addr:              addr,
		Handler:           proxyServer.Proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server, cleanup, nil
}
