package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/errutil"
	"github.com/lucasew/memstate/internal/hint"
	"github.com/lucasew/memstate/internal/metrics"
)

// StatusHeader tells clients whether a response came from the cache.
const StatusHeader = "X-Memstate"

// Response is a memoized upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UncacheableError carries an upstream response that was fetched but must
// not be stored.
type UncacheableError struct {
	Response Response
	Reason   string
}

func (e *UncacheableError) Error() string {
	return fmt.Sprintf("response not cacheable: %s", e.Reason)
}

// headers never copied to or from the cache
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

type Server struct {
	Proxy  *goproxy.ProxyHttpServer
	Store  *memstate.Store[Response]
	Client *http.Client
	Rules  []Rule
	// MaxBodyBytes is the largest body that is cached. Zero means 8 MiB.
	MaxBodyBytes int64
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// NewServer creates a new memoizing proxy Server.
// fallback is the handler to use for non-proxy requests (e.g. local routes).
func NewServer(store *memstate.Store[Response], client *http.Client, rules []Rule, fallback http.Handler, caCert *tls.Certificate) *Server {
	proxy := goproxy.NewProxyHttpServer()
	if client != nil {
		if tr, ok := client.Transport.(*http.Transport); ok {
			proxy.Tr = tr
		}
	} else {
		client = http.DefaultClient
	}

	if caCert != nil {
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: goproxy.TLSConfigFromCA(caCert),
			}, host
		}))
	} else {
		proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}

	if fallback != nil {
		proxy.NonproxyHandler = fallback
	}

	s := &Server{
		Proxy:  proxy,
		Store:  store,
		Client: client,
		Rules:  rules,
	}

	proxy.OnRequest().DoFunc(s.handleRequest)
	return s
}

func (s *Server) maxBodyBytes() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return 8 << 20
}

func (s *Server) record(result string, upstream time.Duration) {
	if s.Metrics != nil {
		s.Metrics.RecordProxy(result, upstream)
	}
}

func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if r.Method != http.MethodGet || hasDirective(r.Header, "no-store") {
		s.record(metrics.ResultBypass, 0)
		return r, nil
	}

	match := s.match(r)
	if match == nil {
		s.record(metrics.ResultBypass, 0)
		return r, nil
	}

	h, err := hint.FromHeader(r.Header)
	if err != nil {
		errutil.LogMsg(err, "Ignoring invalid hint", "url", r.URL.String())
	}
	if h.Skip {
		s.record(metrics.ResultBypass, 0)
		return r, nil
	}
	opts := h.Options(memstate.WithPriority(match.Priority))

	var (
		fetched  bool
		upstream time.Duration
	)
	load := func(ctx context.Context, key string) (Response, error) {
		fetched = true
		start := time.Now()
		defer func() { upstream = time.Since(start) }()
		return s.fetch(ctx, r)
	}

	cached, err := s.Store.GetOrLoad(r.Context(), match.Key, load, opts...)
	var uncacheable *UncacheableError
	switch {
	case err == nil:
	case errors.As(err, &uncacheable):
		slog.Debug("Proxy response not cached", "url", r.URL.String(), "reason", uncacheable.Reason)
		s.record(metrics.ResultBypass, 0)
		return r, s.newResponse(r, uncacheable.Response, "BYPASS")
	default:
		// Let goproxy try the request itself.
		errutil.LogMsg(err, "Proxy memoization failed, falling back to direct proxy", "url", r.URL.String())
		s.record(metrics.ResultError, 0)
		return r, nil
	}

	if fetched {
		slog.Info("Proxy cache miss", "key", match.Key, "bytes", len(cached.Body), "took", upstream)
		s.record(metrics.ResultMiss, upstream)
		return r, s.newResponse(r, cached, "MISS")
	}
	slog.Debug("Proxy cache hit", "key", match.Key)
	s.record(metrics.ResultHit, 0)
	return r, s.newResponse(r, cached, "HIT")
}

func (s *Server) match(r *http.Request) *RuleResult {
	for _, rule := range s.Rules {
		if res := rule(r.URL); res != nil {
			return res
		}
	}
	return nil
}

// fetch performs the upstream request for r.
func (s *Server) fetch(ctx context.Context, r *http.Request) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL.String(), nil)
	if err != nil {
		return Response{}, err
	}
	req.Header = r.Header.Clone()
	req.Header.Del(hint.Header)
	// The body is stored decoded, so let the transport negotiate encoding.
	req.Header.Del("Accept-Encoding")
	stripHopByHop(req.Header)

	resp, err := s.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := s.maxBodyBytes()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read upstream body: %w", err)
	}

	header := resp.Header.Clone()
	stripHopByHop(header)
	header.Del("Content-Length")
	out := Response{StatusCode: resp.StatusCode, Header: header, Body: body}

	switch {
	case int64(len(body)) > limit:
		// Forward the rest of the body without holding it in memory twice.
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("failed to read upstream body: %w", err)
		}
		out.Body = append(body, rest...)
		return Response{}, &UncacheableError{Response: out, Reason: "body too large"}
	case resp.StatusCode != http.StatusOK:
		return Response{}, &UncacheableError{Response: out, Reason: resp.Status}
	case hasDirective(resp.Header, "no-store"), hasDirective(resp.Header, "private"):
		return Response{}, &UncacheableError{Response: out, Reason: "cache-control"}
	case resp.Header.Get("Set-Cookie") != "":
		return Response{}, &UncacheableError{Response: out, Reason: "set-cookie"}
	}
	return out, nil
}

func (s *Server) newResponse(r *http.Request, cached Response, status string) *http.Response {
	resp := goproxy.NewResponse(r, cached.Header.Get("Content-Type"), cached.StatusCode, "")
	resp.Header = cached.Header.Clone()
	resp.Header.Set(StatusHeader, status)
	resp.Body = io.NopCloser(bytes.NewReader(cached.Body))
	resp.ContentLength = int64(len(cached.Body))
	return resp
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
}

func hasDirective(h http.Header, directive string) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), directive) {
				return true
			}
		}
	}
	return false
}
