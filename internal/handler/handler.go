package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/errutil"
	"github.com/lucasew/memstate/internal/hashutil"
	"github.com/lucasew/memstate/internal/hint"
)

// Blob is the value type of the state store: an opaque body with the
// metadata needed to serve it back.
type Blob struct {
	Data        []byte
	ContentType string
	ETag        string
}

// StatsSource is implemented by *memstate.Store of any value type.
type StatsSource interface {
	Stats() memstate.Stats
}

// StateHandler exposes a Store[Blob] over HTTP.
//
//	GET    /state            list entry metadata
//	GET    /state/{key}      read an entry
//	PUT    /state/{key}      write an entry, hints from Memstate-Hint or ?priority=
//	DELETE /state/{key}      delete an entry
//	DELETE /state            clear the store
//	GET    /stats            stats of every registered store
type StateHandler struct {
	Store *memstate.Store[Blob]
	// Sources are reported by /stats in addition to Store.
	Sources []StatsSource
	// HashAlgo names the hashutil algorithm used for ETags.
	HashAlgo string
	// MaxBodyBytes bounds PUT bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

func NewStateHandler(store *memstate.Store[Blob], hashAlgo string, sources ...StatsSource) (*StateHandler, error) {
	if !hashutil.IsSupported(hashAlgo) {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", hashAlgo)
	}
	return &StateHandler{
		Store:    store,
		Sources:  sources,
		HashAlgo: hashAlgo,
	}, nil
}

// Register adds the state API routes to mux.
func (h *StateHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /state", h.list)
	mux.HandleFunc("DELETE /state", h.clear)
	mux.HandleFunc("GET /state/{key...}", h.get)
	mux.HandleFunc("PUT /state/{key...}", h.put)
	mux.HandleFunc("DELETE /state/{key...}", h.delete)
	mux.HandleFunc("GET /stats", h.stats)
}

// ServeHTTP serves the state API on a private mux.
func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.ServeHTTP(w, r)
}

func keyFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "Missing key. Expected /state/{key}", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func (h *StateHandler) get(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFrom(w, r)
	if !ok {
		return
	}

	blob, found := h.Store.Get(key)
	if !found {
		slog.Debug("State miss", "key", key)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("ETag", blob.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if hashutil.MatchETag(r.Header.Get("If-None-Match"), blob.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if blob.ContentType != "" {
		w.Header().Set("Content-Type", blob.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(blob.Data)))
	if r.Method == http.MethodHead {
		return
	}
	_, err := w.Write(blob.Data)
	errutil.LogMsg(err, "Failed to write state body", "key", key)
}

func (h *StateHandler) put(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFrom(w, r)
	if !ok {
		return
	}

	opts, err := setOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	etag, err := hashutil.ETag(h.HashAlgo, data)
	if err != nil {
		errutil.ReportError(err, "Failed to compute etag", "key", key)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	blob := Blob{Data: data, ContentType: r.Header.Get("Content-Type"), ETag: etag}
	if err := h.Store.Set(key, blob, opts...); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Debug("State stored", "key", key, "bytes", len(data))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusNoContent)
}

// setOptions reads the entry priority and weight. The Memstate-Hint header
// wins over the ?priority= and ?weight= query parameters.
func setOptions(r *http.Request) ([]memstate.SetOption, error) {
	var defaults []memstate.SetOption
	q := r.URL.Query()
	if p := q.Get("priority"); p != "" {
		prio, err := memstate.ParsePriority(p)
		if err != nil {
			return nil, err
		}
		defaults = append(defaults, memstate.WithPriority(prio))
	}
	if wq := q.Get("weight"); wq != "" {
		weight, err := strconv.ParseInt(wq, 10, 64)
		if err != nil || weight < 0 {
			return nil, fmt.Errorf("invalid weight: %q", wq)
		}
		defaults = append(defaults, memstate.WithSize(weight))
	}

	hdr, err := hint.FromHeader(r.Header)
	if err != nil {
		return nil, err
	}
	return hdr.Options(defaults...), nil
}

func (h *StateHandler) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFrom(w, r)
	if !ok {
		return
	}
	if !h.Store.Delete(key) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StateHandler) clear(w http.ResponseWriter, r *http.Request) {
	h.Store.Clear()
	slog.Info("State cleared", "store", h.Store.Name())
	w.WriteHeader(http.StatusNoContent)
}

type entryView struct {
	Key         string            `json:"key"`
	Priority    memstate.Priority `json:"priority"`
	Size        int64             `json:"size"`
	Bytes       int               `json:"bytes"`
	ContentType string            `json:"content_type,omitempty"`
	ETag        string            `json:"etag"`
	InsertedAt  time.Time         `json:"inserted_at"`
	ExpiresIn   string            `json:"expires_in"`
}

func (h *StateHandler) list(w http.ResponseWriter, r *http.Request) {
	snap := h.Store.Snapshot()
	out := make([]entryView, 0, len(snap))
	for _, e := range snap {
		out = append(out, entryView{
			Key:         e.Key,
			Priority:    e.Priority,
			Size:        e.Size,
			Bytes:       len(e.Value.Data),
			ContentType: e.Value.ContentType,
			ETag:        e.Value.ETag,
			InsertedAt:  e.InsertedAt,
			ExpiresIn:   e.ExpiresIn.String(),
		})
	}
	writeJSON(w, out)
}

func (h *StateHandler) stats(w http.ResponseWriter, r *http.Request) {
	out := []memstate.Stats{h.Store.Stats()}
	for _, src := range h.Sources {
		out = append(out, src.Stats())
	}
	writeJSON(w, out)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memstate.ErrClosed):
		http.Error(w, "Store closed", http.StatusServiceUnavailable)
	case errors.Is(err, memstate.ErrInvalidSize), errors.Is(err, memstate.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		errutil.ReportError(err, "Unexpected store error")
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	errutil.LogMsg(enc.Encode(v), "Failed to encode JSON response")
}
