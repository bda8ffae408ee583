// Package contentstore rehosts credential documents in content-addressed storage.
package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
	"github.com/charlesng35/credledger/pkg/logger"
)

// DefaultGatewayURL serves stored objects when no gateway is configured.
const DefaultGatewayURL = "https://ipfs.filebase.io/ipfs"

// Object is a stored document.
type Object struct {
	Ref  string
	URL  string
	Size int64
}

// Store uploads documents and returns their content reference.
type Store interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (*Object, error)
}

// Option configures an IPFSStore.
type Option func(*IPFSStore)

// WithHTTPClient swaps the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(s *IPFSStore) {
		if client != nil {
			s.http = client
		}
	}
}

// WithGatewayURL sets the public gateway prefix used to build document URLs.
func WithGatewayURL(gateway string) Option {
	return func(s *IPFSStore) {
		if gateway = strings.TrimRight(strings.TrimSpace(gateway), "/"); gateway != "" {
			s.gateway = gateway
		}
	}
}

// IPFSStore uploads through an IPFS node's HTTP API.
type IPFSStore struct {
	apiURL  string
	gateway string
	http    *http.Client
	log     *zap.Logger
}

var _ Store = (*IPFSStore)(nil)

// NewIPFSStore creates a store talking to the node API at apiURL.
func NewIPFSStore(apiURL string, timeout time.Duration, opts ...Option) (*IPFSStore, error) {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		return nil, errors.New("content store: api url is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &IPFSStore{
		apiURL:  apiURL,
		gateway: DefaultGatewayURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger.WithModule("contentstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Upload pins data and returns its CID and gateway URL.
func (s *IPFSStore) Upload(ctx context.Context, data []byte, name, contentType string) (*Object, error) {
	if len(data) == 0 {
		return nil, apperrors.ErrValidation.Newf("content store: empty document")
	}
	if name == "" {
		name = "document"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("content store: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("content store: build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("content store: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/add?pin=true&cid-version=1", &body)
	if err != nil {
		return nil, fmt.Errorf("content store: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("content store: upload: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("content store: upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, apperrors.ErrTransient.WithInternal(err)
		}
		return nil, err
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return nil, fmt.Errorf("content store: decode response: %w", err)
	}
	if added.Hash == "" {
		return nil, errors.New("content store: response missing hash")
	}

	s.log.Info("document stored", zap.String("name", name), zap.String("cid", added.Hash))

	return &Object{
		Ref:  added.Hash,
		URL:  s.GatewayURL(added.Hash),
		Size: int64(len(data)),
	}, nil
}

// GatewayURL returns the public URL for ref.
func (s *IPFSStore) GatewayURL(ref string) string {
	return s.gateway + "/" + ref
}
