// Package enrichment runs best-effort skill analysis on synced credentials.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// Document is the credential summary sent for analysis.
type Document struct {
	CredentialID     string   `json:"credential_id"`
	LearnerEmail     string   `json:"learner_email"`
	CertificateTitle string   `json:"certificate_title"`
	IssuerName       string   `json:"issuer_name,omitempty"`
	Sector           string   `json:"sector,omitempty"`
	Occupation       string   `json:"occupation,omitempty"`
	NSQFLevel        *int     `json:"nsqf_level,omitempty"`
	Description      string   `json:"description,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	DocumentURL      string   `json:"document_url,omitempty"`
}

// Result is what the analyzer extracted.
type Result struct {
	Skills        []string `json:"skills"`
	NSQFAlignment *int     `json:"nsqf_level,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// Analyzer extracts skills from a credential.
type Analyzer interface {
	Analyze(ctx context.Context, doc Document) (*Result, error)
}

// HTTPAnalyzer calls the analysis service's /analyze endpoint.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

var _ Analyzer = (*HTTPAnalyzer)(nil)

// NewHTTPAnalyzer builds an analyzer for the service at baseURL.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration) (*HTTPAnalyzer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("enrichment: service url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

// Analyze posts doc and decodes the extracted skills.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, doc Document) (*Result, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("enrichment: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enrichment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperrors.ErrTransient.WithInternal(fmt.Errorf("enrichment: analyze: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("enrichment: analyze status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("enrichment: decode: %w", err)
	}
	return &result, nil
}
