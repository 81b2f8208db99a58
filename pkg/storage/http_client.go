package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/ratelimit"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// HTTPStore is a Store client for a remote authority served by NewHandler.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	token      string
	uploadRate int64
}

// HTTPOption configures NewHTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.httpClient = c }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) HTTPOption {
	return func(s *HTTPStore) { s.token = token }
}

// WithUploadRate throttles uploads to about bytesPerSecond. Zero disables
// throttling.
func WithUploadRate(bytesPerSecond int64) HTTPOption {
	return func(s *HTTPStore) { s.uploadRate = bytesPerSecond }
}

// NewHTTPStore creates a client for the authority at baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http store: invalid base URL %q", baseURL)
	}
	s := &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *HTTPStore) objectURL(prefix, key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + prefix + strings.Join(segments, "/"), nil
}

// do performs a request and returns the response. Transport failures are
// reported as ErrBackendUnavailable; callers must close the body.
func (s *HTTPStore) do(ctx context.Context, method, target string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("http store: creating request: %w", err)
	}
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(fmt.Errorf("http store: %s %s: %w", method, target, err))
	}
	return resp, nil
}

// statusError converts a non-success response into a store error.
func statusError(resp *http.Response, key string) error {
	var errResp struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("http store: %q: %w", key, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("http store: %q: %w: %s", key, ErrUnauthorized, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("http store: %q: %w: %s", key, ErrInvalidKey, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("http store: %q: %w: %s", key, ErrBackendUnavailable, msg)
	}
	return fmt.Errorf("http store: %q: unexpected status %d: %s", key, resp.StatusCode, msg)
}

func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	target, err := s.objectURL("/objects/", key)
	if err != nil {
		return false, err
	}
	resp, err := s.do(ctx, http.MethodHead, target, nil, 0)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(resp, key)
}

func (s *HTTPStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	target, err := s.objectURL("/objects/", key)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodGet, target, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, key)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(fmt.Errorf("http store: reading %q: %w", key, err))
	}
	return data, nil
}

// WriteAll uploads data. The server commits only a fully received body, so
// a failed upload leaves the previous content in place.
func (s *HTTPStore) WriteAll(ctx context.Context, key string, data []byte) error {
	target, err := s.objectURL("/objects/", key)
	if err != nil {
		return err
	}
	var body io.Reader = bytes.NewReader(data)
	if s.uploadRate > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(s.uploadRate), s.uploadRate)
		body = ratelimit.Reader(body, bucket)
	}
	resp, err := s.do(ctx, http.MethodPut, target, body, int64(len(data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, key)
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	target, err := s.objectURL("/objects/", key)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodDelete, target, nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, key)
	}
	return nil
}

// DigestOf asks the server to hash the content, avoiding a full download.
func (s *HTTPStore) DigestOf(ctx context.Context, key string, h checksum.Hasher) (checksum.Checksum, error) {
	target, err := s.objectURL("/digests/", key)
	if err != nil {
		return checksum.Checksum{}, err
	}
	target += "?algorithm=" + url.QueryEscape(h.Algorithm())
	resp, err := s.do(ctx, http.MethodGet, target, nil, 0)
	if err != nil {
		return checksum.Checksum{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return checksum.Checksum{}, statusError(resp, key)
	}
	var out ChecksumResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return checksum.Checksum{}, fmt.Errorf("http store: decoding digest for %q: %w", key, err)
	}
	return checksum.Checksum{Algorithm: out.Algorithm, Digest: out.Checksum}, nil
}

var _ Store = (*HTTPStore)(nil)
