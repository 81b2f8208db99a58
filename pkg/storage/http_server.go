package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// DefaultMaxUploadBytes bounds a single PUT when no limit is configured.
const DefaultMaxUploadBytes int64 = 4 << 30

// HandlerOption configures NewHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger         *slog.Logger
	secret         []byte
	corsOrigins    []string
	maxUploadBytes int64
}

// WithHandlerLogger sets the logger. Default: slog.Default().
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = logger }
}

// WithTokenSecret requires HS256 bearer tokens signed with secret. Reads
// need the read or write scope; writes and deletes need the write scope.
func WithTokenSecret(secret []byte) HandlerOption {
	return func(c *handlerConfig) { c.secret = secret }
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins ...string) HandlerOption {
	return func(c *handlerConfig) { c.corsOrigins = origins }
}

// WithMaxUploadBytes bounds the size of a single upload.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(c *handlerConfig) { c.maxUploadBytes = n }
}

// ChecksumResponse is the JSON body returned by the digest endpoint.
type ChecksumResponse struct {
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
}

// NewHandler exposes store over HTTP so that remote clients can use it as
// an authority through HTTPStore.
//
//	HEAD   /objects/{key}                 exists
//	GET    /objects/{key}                 read
//	PUT    /objects/{key}                 atomic write
//	DELETE /objects/{key}                 delete
//	GET    /digests/{key}?algorithm=name  digest computed next to the data
func NewHandler(store Store, opts ...HandlerOption) http.Handler {
	cfg := &handlerConfig{
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	h := &handler{store: store, cfg: cfg, verifier: tokenVerifier{secret: cfg.secret}}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(cfg.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.corsOrigins,
			AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/objects", func(r chi.Router) {
		r.Head("/*", h.exists)
		r.Get("/*", h.read)
		r.Put("/*", h.write)
		r.Delete("/*", h.remove)
	})
	r.Get("/digests/*", h.digest)
	return r
}

type handler struct {
	store    Store
	cfg      *handlerConfig
	verifier tokenVerifier
}

func (h *handler) key(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	// chi matches against the escaped path when the request has one.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidKey, key, err)
		}
		key = unescaped
	}
	return CleanKey(key)
}

func (h *handler) exists(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ScopeRead) {
		return
	}
	key, err := h.key(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok, err := h.store.Exists(r.Context(), key)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) read(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ScopeRead) {
		return
	}
	key, err := h.key(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.store.ReadAll(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) write(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ScopeWrite) {
		return
	}
	key, err := h.key(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.cfg.maxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	// The whole body is read before anything reaches the store, so an
	// interrupted upload never replaces existing content.
	if err := h.store.WriteAll(r.Context(), key, data); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cfg.logger.Debug("stored object", "key", key, "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ScopeWrite) {
		return
	}
	key, err := h.key(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cfg.logger.Debug("deleted object", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) digest(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ScopeRead) {
		return
	}
	key, err := h.key(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hasher, err := checksum.New(r.URL.Query().Get("algorithm"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.store.DigestOf(r.Context(), key, hasher)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChecksumResponse{Algorithm: c.Algorithm, Checksum: c.Digest})
}

func (h *handler) authorize(w http.ResponseWriter, r *http.Request, scope string) bool {
	claims, err := h.verifier.authorize(r, scope)
	if err != nil {
		h.cfg.logger.Debug("rejected request", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	if claims != nil {
		h.cfg.logger.Debug("authorized request", "subject", claims.Subject, "scope", claims.Scope)
	}
	return true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.cfg.logger.Error("store operation failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
