package connectors

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// apiKeyConnector covers providers authenticated by X-API-Key with offset pagination.
type apiKeyConnector struct {
	*baseConnector

	listPath   string
	verifyPath string
	method     string
}

func newAPIKeyConnector(cfg ProviderConfig, listPath, verifyPath, method string, opts ...Option) (*apiKeyConnector, error) {
	base, err := newBaseConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	base.cfg.AuthType = AuthTypeAPIKey
	return &apiKeyConnector{
		baseConnector: base,
		listPath:      listPath,
		verifyPath:    verifyPath,
		method:        method,
	}, nil
}

// Authenticate installs the API key header.
func (c *apiKeyConnector) Authenticate(context.Context) error {
	key := c.cfg.credential("api_key")
	if key == "" {
		return apperrors.ErrValidation.Newf("api key not configured for provider %s", c.cfg.ID)
	}
	c.setAPIKey(key)
	return nil
}

type offsetPage struct {
	Data []RawItem `json:"data"`
	Meta struct {
		Total      int  `json:"total"`
		HasMore    bool `json:"has_more"`
		NextOffset int  `json:"next_offset"`
	} `json:"meta"`
}

func (c *apiKeyConnector) FetchSince(ctx context.Context, since time.Time, pageToken string) (*FetchResult, error) {
	offset := 0
	if token := strings.TrimSpace(pageToken); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return nil, apperrors.ErrValidation.Newf("invalid page token %q", pageToken)
		}
		offset = n
	}

	query := url.Values{}
	query.Set("since", sinceParam(since))
	query.Set("limit", strconv.Itoa(defaultPageSize))
	query.Set("offset", strconv.Itoa(offset))

	var resp offsetPage
	if err := c.getJSON(ctx, c.listPath, query, &resp); err != nil {
		return nil, fmt.Errorf("connector %s: fetch: %w", c.cfg.ID, err)
	}

	result := &FetchResult{Items: resp.Data, Total: resp.Meta.Total}
	if resp.Meta.HasMore {
		result.Next = strconv.Itoa(resp.Meta.NextOffset)
	}
	c.log.Debug("fetched credentials", zap.Int("count", len(resp.Data)), zap.Int("total", resp.Meta.Total))
	return result, nil
}

// verifyRemote posts body to the provider's verify endpoint. Transport and protocol
// failures report ok=false rather than an error.
func (c *apiKeyConnector) verifyRemote(ctx context.Context, body map[string]any) (VerifyResult, error) {
	var resp map[string]any
	if err := c.postJSON(ctx, c.verifyPath, body, &resp); err != nil {
		c.log.Warn("verification failed", zap.Error(err))
		return VerifyResult{OK: false, Meta: map[string]any{"error": "Verification failed"}}, nil
	}

	meta := map[string]any{
		"verified_at": c.stamp(),
		"method":      c.method,
	}
	for key, value := range resp {
		meta[key] = value
	}
	verified, _ := resp["verified"].(bool)
	return VerifyResult{OK: verified, Meta: meta}, nil
}
