package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Descriptor identifies an artifact produced by a helper call during an
// execution. It is owned by the caller once the execution has finished.
type Descriptor struct {
	Kind    string `json:"kind" cbor:"kind"`
	Name    string `json:"name" cbor:"name"`
	Locator string `json:"locator" cbor:"locator"`
}

// Error kinds reported by the client.
var (
	ErrNoLocator = errors.New("no artifact location in execution context")
	ErrTooLarge  = errors.New("artifact exceeds size limit")
)

// StoreError is a non-success response from the artifact store.
type StoreError struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
}

func (e *StoreError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("artifact store %s %q: status %d", e.Op, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("artifact store %s %q: status %d: %s", e.Op, e.Path, e.StatusCode, e.Message)
}

// Transient reports whether the request may succeed if repeated.
func (e *StoreError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

const maxErrorBody = 512

// Client talks to the artifact store over HTTP. Paths are appended to the
// locator exactly as given so that the store's traversal checks see them.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	maxRetries     int
	maxBytes       int64
	initialBackoff time.Duration
	logger         *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sets the bearer credential sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithMaxRetries sets how many times a failed download is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithMaxBytes caps the size of downloaded and uploaded content.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the store rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		maxRetries:     3,
		maxBytes:       20 * 1024 * 1024,
		initialBackoff: 200 * time.Millisecond,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithCredential returns a copy of the client that authenticates with token.
// An empty token keeps the current credential.
func (c *Client) WithCredential(token string) *Client {
	if token == "" {
		return c
	}
	clone := *c
	clone.token = token
	return &clone
}

// objectURL escapes each path segment so names carrying reserved characters
// stay in the path. Dot segments are sent as written.
func (c *Client) objectURL(locator, path string) string {
	return c.baseURL + "/artifacts/" + escapeSegments(strings.Trim(locator, "/")) + "/" + escapeSegments(path)
}

func escapeSegments(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// Fetch downloads the object at path under locator. Transient failures are
// retried with exponential backoff; 4xx responses are returned at once.
func (c *Client) Fetch(ctx context.Context, locator, path string) ([]byte, error) {
	if locator == "" {
		return nil, ErrNoLocator
	}

	var data []byte
	operation := func() error {
		body, err := c.get(ctx, locator, path)
		if err != nil {
			var storeErr *StoreError
			if errors.As(err, &storeErr) && !storeErr.Transient() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrTooLarge) {
				return backoff.Permanent(err)
			}
			return err
		}
		data = body
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(c.maxRetries)) //nolint:gosec // validated non-negative
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying artifact fetch",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, locator, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(locator, path), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach artifact store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.storeError("fetch", path, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: %q is larger than %d bytes", ErrTooLarge, path, c.maxBytes)
	}
	return body, nil
}

// Upload stores data at path under locator and returns the store's locator
// for the new object. Uploads are not retried.
func (c *Client) Upload(ctx context.Context, locator, path, contentType string, data []byte) (string, error) {
	if locator == "" {
		return "", ErrNoLocator
	}
	if int64(len(data)) > c.maxBytes {
		return "", fmt.Errorf("%w: %q is %d bytes, limit %d", ErrTooLarge, path, len(data), c.maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(locator, path), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach artifact store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.storeError("upload", path, resp)
	}

	var payload struct {
		Locator string `json:"locator"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&payload); err != nil || payload.Locator == "" {
		// Stores that answer without a body address the object by its path.
		return strings.Trim(locator, "/") + "/" + path, nil //nolint:nilerr // fallback locator
	}
	return payload.Locator, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (*Client) storeError(op, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StoreError{
		Op:         op,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
