package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/app"
	"github.com/lucasew/memstate/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the state API and memoizing proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Config{
			Port: viper.GetInt("port"),
			State: app.StoreConfig{
				MaxEntries: viper.GetInt("max-entries"),
				MaxWeight:  viper.GetInt64("max-weight"),
				TTL:        viper.GetDuration("ttl"),
				GCInterval: viper.GetDuration("gc-interval"),
				Strategy:   viper.GetString("strategy"),
			},
			Proxy: app.StoreConfig{
				MaxEntries: viper.GetInt("proxy-max-entries"),
				MaxWeight:  viper.GetInt64("proxy-max-weight"),
				TTL:        viper.GetDuration("proxy-ttl"),
				GCInterval: viper.GetDuration("gc-interval"),
				Strategy:   viper.GetString("strategy"),
			},
			ProxyRules:        viper.GetStringSlice("proxy-rule"),
			ProxyMaxBodyBytes: viper.GetInt64("proxy-max-body"),
			UpstreamTimeout:   viper.GetDuration("upstream-timeout"),
			UpstreamCAFile:    viper.GetString("upstream-ca"),
			CA: proxy.CAConfig{
				CertPath:    viper.GetString("ca-cert"),
				KeyPath:     viper.GetString("ca-key"),
				CertContent: viper.GetString("ca-cert-content"),
				KeyContent:  viper.GetString("ca-key-content"),
			},
			HashAlgo:         viper.GetString("hash-algo"),
			MaxStateBytes:    viper.GetInt64("max-state-bytes"),
			MetricsNamespace: "memstate",
			JournalPath:      viper.GetString("journal"),
		}

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.Int("port", 8080, "Port to run the server on")
	f.Int("max-entries", memstate.DefaultMaxEntries, "Max entries in the state store")
	f.Int64("max-weight", 0, "Max sum of entry weights in the state store (0 = unbounded)")
	f.Duration("ttl", memstate.DefaultTTL, "Time to live of state entries")
	f.Duration("gc-interval", memstate.DefaultGCInterval, "Interval between expiry sweeps (0 = disabled)")
	f.String("strategy", memstate.DefaultStrategy, "Eviction strategy (priority, lru)")
	f.Int("proxy-max-entries", 1000, "Max responses kept by the proxy")
	f.Int64("proxy-max-weight", 0, "Max sum of response weights kept by the proxy (0 = unbounded)")
	f.Duration("proxy-ttl", 10*time.Minute, "Time to live of proxied responses")
	f.StringSlice("proxy-rule", []string{}, `Cacheable URL rule as "priority=regex" (repeatable)`)
	f.Int64("proxy-max-body", 8<<20, "Largest response body the proxy keeps")
	f.Duration("upstream-timeout", 30*time.Second, "Timeout of upstream requests")
	f.String("upstream-ca", "", "Extra PEM bundle trusted for upstream TLS")
	f.String("ca-cert", "", "Path to CA certificate used to intercept HTTPS")
	f.String("ca-key", "", "Path to CA private key used to intercept HTTPS")
	f.String("hash-algo", "sha256", "Hash algorithm for ETags (sha256, sha512)")
	f.Int64("max-state-bytes", 1<<20, "Largest accepted state body")

	for _, name := range []string{
		"port", "max-entries", "max-weight", "ttl", "gc-interval", "strategy",
		"proxy-max-entries", "proxy-max-weight", "proxy-ttl", "proxy-rule", "proxy-max-body",
		"upstream-timeout", "upstream-ca", "ca-cert", "ca-key", "hash-algo", "max-state-bytes",
	} {
		mustBindPFlag(name, f.Lookup(name))
	}
}
