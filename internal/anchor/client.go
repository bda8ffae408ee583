package anchor

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

	"go.uber.org/zap"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
)

const (
	defaultWriteTimeout  = 60 * time.Second
	defaultVerifyTimeout = 30 * time.Second
	maxResponseBytes     = 1 << 20
)

// HTTPDoer is the part of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(doer HTTPDoer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithTimeouts overrides the per-call write and verify deadlines.
func WithTimeouts(write, verify time.Duration) ClientOption {
	return func(c *Client) {
		if write > 0 {
			c.writeTimeout = write
		}
		if verify > 0 {
			c.verifyTimeout = verify
		}
	}
}

// Client implements Service over the anchor service's JSON API.
type Client struct {
	baseURL       string
	http          HTTPDoer
	writeTimeout  time.Duration
	verifyTimeout time.Duration
	log           *zap.Logger
}

var _ Service = (*Client)(nil)

// NewClient builds a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("anchor client: service url is required")
	}

	c := &Client{
		baseURL:       baseURL,
		http:          &http.Client{},
		writeTimeout:  defaultWriteTimeout,
		verifyTimeout: defaultVerifyTimeout,
		log:           logger.WithModule("anchor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type writeRequest struct {
	CredentialID string `json:"credential_id"`
	DataHash     string `json:"data_hash"`
	ContentRef   string `json:"ipfs_cid"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type verifyData struct {
	Verified bool `json:"verified"`
}

// Write submits the hash and waits for the service to confirm it.
func (c *Client) Write(ctx context.Context, credentialID, dataHash, contentRef string) (*Receipt, error) {
	if strings.TrimSpace(contentRef) == "" {
		contentRef = PlaceholderContentRef
	}

	body, err := json.Marshal(writeRequest{
		CredentialID: credentialID,
		DataHash:     dataHash,
		ContentRef:   contentRef,
	})
	if err != nil {
		return nil, fmt.Errorf("anchor client: encode write: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	env, err := c.do(ctx, http.MethodPost, c.baseURL+"/blockchain/write", body)
	if err != nil {
		return nil, err
	}

	var receipt Receipt
	if err := json.Unmarshal(env.Data, &receipt); err != nil {
		return nil, fmt.Errorf("anchor client: decode receipt: %w", err)
	}
	if receipt.TxHash == "" {
		return nil, fmt.Errorf("anchor client: receipt without tx hash: %w", ErrPermanent)
	}

	c.log.Debug("anchor write confirmed",
		zap.String("credential_id", credentialID),
		zap.String("tx_hash", receipt.TxHash),
	)
	return &receipt, nil
}

// Verify asks the service whether txHash is a confirmed anchor.
func (c *Client) Verify(ctx context.Context, txHash string) (bool, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	env, err := c.do(ctx, http.MethodGet, c.baseURL+"/blockchain/verify/"+url.PathEscape(txHash), nil)
	if err != nil {
		return false, err
	}

	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false, fmt.Errorf("anchor client: decode verify: %w", err)
	}
	return data.Verified, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("anchor client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("anchor client: %s %s: %w", method, endpoint, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("anchor client: read response: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("anchor client: status %d: %s", resp.StatusCode, errorText(env, raw)))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("anchor client: status %d: %s: %w", resp.StatusCode, errorText(env, raw), ErrPermanent)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("anchor client: decode envelope: %w", decodeErr)
	}
	if !env.Success {
		return nil, fmt.Errorf("anchor client: %s: %w", errorText(env, raw), ErrPermanent)
	}
	return &env, nil
}

func errorText(env envelope, raw []byte) string {
	if env.Error != "" {
		return env.Error
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "empty response"
	}
	return text
}
