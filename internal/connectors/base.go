package connectors

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
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
)

const maxResponseBytes = 8 << 20

// HTTPError reports a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider responded with status %d: %s", e.StatusCode, e.Body)
}

// Option customises a connector.
type Option func(*baseConnector)

// WithHTTPClient replaces the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(b *baseConnector) {
		if client != nil {
			b.client = client
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(b *baseConnector) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithNow overrides the clock used for verification stamps and token expiry.
func WithNow(now func() time.Time) Option {
	return func(b *baseConnector) {
		if now != nil {
			b.now = now
		}
	}
}

// baseConnector carries the transport and auth header state shared by providers.
type baseConnector struct {
	cfg     ProviderConfig
	baseURL string
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger

	mu      sync.RWMutex
	client  *http.Client
	headers http.Header
}

func newBaseConnector(cfg ProviderConfig, opts ...Option) (*baseConnector, error) {
	cfg.ID = strings.ToLower(strings.TrimSpace(cfg.ID))
	if cfg.ID == "" {
		return nil, errors.New("connector: provider id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("connector %s: base url is required", cfg.ID)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("connector %s: invalid base url: %w", cfg.ID, err)
	}

	b := &baseConnector{
		cfg:     cfg,
		baseURL: baseURL,
		timeout: defaultTimeout,
		now:     time.Now,
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: b.timeout}
	}
	b.log = logger.WithProvider("connector", cfg.ID)
	return b, nil
}

func (b *baseConnector) ProviderID() string {
	return b.cfg.ID
}

func (b *baseConnector) IssuerID() string {
	return strings.TrimSpace(b.cfg.IssuerID)
}

// Verify trusts the provider's data unless a connector overrides it.
func (b *baseConnector) Verify(_ context.Context, _ RawItem) (VerifyResult, error) {
	return VerifyResult{
		OK:   true,
		Meta: map[string]any{"verified_at": b.stamp()},
	}, nil
}

// AuthorizeDocument attaches the API key to document downloads for key-based providers.
func (b *baseConnector) AuthorizeDocument(req *http.Request) {
	if b.cfg.AuthType != AuthTypeAPIKey {
		return
	}
	if key := b.cfg.credential("api_key"); key != "" {
		req.Header.Set("X-API-Key", key)
	}
}

func (b *baseConnector) stamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

func (b *baseConnector) setBearer(token string) {
	b.setHeader("Authorization", "Bearer "+token)
}

func (b *baseConnector) setAPIKey(key string) {
	b.setHeader("X-API-Key", key)
}

func (b *baseConnector) setHeader(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers.Set(key, value)
}

func (b *baseConnector) setClient(client *http.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
}

func (b *baseConnector) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := b.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return b.doJSON(ctx, http.MethodGet, endpoint, nil, out)
}

func (b *baseConnector) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("connector %s: encode request: %w", b.cfg.ID, err)
	}
	return b.doJSON(ctx, http.MethodPost, b.baseURL+path, payload, out)
}

func (b *baseConnector) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("connector %s: build request: %w", b.cfg.ID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.mu.RLock()
	for key, values := range b.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	client := b.client
	b.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.ErrTransient.WithInternal(fmt.Errorf("connector %s: %s %s: %w", b.cfg.ID, method, endpoint, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.ErrTransient.WithInternal(fmt.Errorf("connector %s: read response: %w", b.cfg.ID, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 200)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return apperrors.ErrTransient.WithInternal(fmt.Errorf("connector %s: %w", b.cfg.ID, httpErr))
		}
		return fmt.Errorf("connector %s: %w", b.cfg.ID, httpErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("connector %s: decode response: %w", b.cfg.ID, err)
	}
	return nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func sinceParam(since time.Time) string {
	return since.UTC().Format(time.RFC3339)
}
