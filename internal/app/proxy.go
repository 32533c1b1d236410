package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/httpclient"
	"github.com/lucasew/memstate/internal/proxy"
)

// newProxy builds the memoizing proxy. Requests that are not proxy requests
// are served by fallback.
func newProxy(cfg Config, store *memstate.Store[proxy.Response], fallback http.Handler) (*proxy.Server, error) {
	rules, err := proxy.ParseRules(cfg.ProxyRules)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		slog.Info("No proxy rules configured (proxy passes everything through)")
	}

	client, err := httpclient.NewClient(httpclient.Options{
		Timeout: cfg.UpstreamTimeout,
		CAFile:  cfg.UpstreamCAFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	caCert, err := cfg.CA.Load()
	if err != nil {
		return nil, err
	}
	if caCert != nil {
		slog.Info("Loaded CA certificate for HTTPS interception")
	}

	s := proxy.NewServer(store, client, rules, fallback, caCert)
	s.MaxBodyBytes = cfg.ProxyMaxBodyBytes
	return s, nil
}
