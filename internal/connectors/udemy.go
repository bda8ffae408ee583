package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

// UdemyConnector uses OAuth2 client credentials against the Udemy business API.
type UdemyConnector struct {
	*baseConnector

	oauth    clientcredentials.Config
	upstream *http.Client
}

var _ Connector = (*UdemyConnector)(nil)

// NewUdemyConnector builds the Udemy connector. client_id and client_secret are required.
func NewUdemyConnector(cfg ProviderConfig, opts ...Option) (Connector, error) {
	base, err := newBaseConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	clientID := cfg.credential("client_id")
	clientSecret := cfg.credential("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("connector %s: client_id and client_secret are required", base.cfg.ID)
	}

	return &UdemyConnector{
		baseConnector: base,
		upstream:      base.client,
		oauth: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     base.baseURL + "/oauth/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

// Authenticate fetches an initial token and routes later calls through a client that
// refreshes it on expiry.
func (c *UdemyConnector) Authenticate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// The handshake follows the caller's context; refreshes outlive it.
	token, err := c.oauth.Token(context.WithValue(ctx, oauth2.HTTPClient, c.upstream))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connector %s: authenticate: %w", c.cfg.ID, ctxErr)
		}
		c.log.Warn("oauth2 authentication failed", zap.Error(err))
		return fmt.Errorf("connector %s: authenticate: %w", c.cfg.ID, classifyOAuthError(err))
	}

	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.upstream)
	source := c.oauth.TokenSource(refreshCtx)
	client := oauth2.NewClient(refreshCtx, oauth2.ReuseTokenSource(token, source))
	client.Timeout = c.timeout
	c.setClient(client)
	c.log.Info("authenticated", zap.Time("token_expires_at", token.Expiry))
	return nil
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return apperrors.ErrTransient.WithInternal(err)
		}
		return err
	}
	return apperrors.ErrTransient.WithInternal(err)
}

type udemyPage struct {
	Count   int       `json:"count"`
	Next    *string   `json:"next"`
	Results []RawItem `json:"results"`
}

// FetchSince returns one page of certificates completed after since. The page token is
// the provider's next URL.
func (c *UdemyConnector) FetchSince(ctx context.Context, since time.Time, pageToken string) (*FetchResult, error) {
	page, err := udemyPageNumber(pageToken)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("completed_after", sinceParam(since))
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(defaultPageSize))

	var resp udemyPage
	if err := c.getJSON(ctx, "/api/v1/certificates", query, &resp); err != nil {
		return nil, fmt.Errorf("connector %s: fetch: %w", c.cfg.ID, err)
	}

	result := &FetchResult{Items: resp.Results, Total: resp.Count}
	if resp.Next != nil {
		result.Next = strings.TrimSpace(*resp.Next)
	}
	c.log.Debug("fetched certificates", zap.Int("count", len(resp.Results)), zap.Int("total", resp.Count))
	return result, nil
}

func udemyPageNumber(token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 1, nil
	}
	if n, err := strconv.Atoi(token); err == nil && n > 0 {
		return n, nil
	}
	parsed, err := url.Parse(token)
	if err == nil {
		if n, convErr := strconv.Atoi(parsed.Query().Get("page")); convErr == nil && n > 0 {
			return n, nil
		}
	}
	return 0, apperrors.ErrValidation.Newf("invalid page token %q", token)
}

// Verify accepts certificates returned by the authenticated API.
func (c *UdemyConnector) Verify(_ context.Context, item RawItem) (VerifyResult, error) {
	return VerifyResult{
		OK:   true,
		Meta: map[string]any{
			"verified_at":    c.stamp(),
			"method":         "udemy_oauth",
			"certificate_id": item["id"],
		},
	}, nil
}

type udemyPayload struct {
	ID             string    `json:"id"`
	CompletionDate time.Time `json:"completion_date"`
	CertificateURL string    `json:"certificate_url"`
	Course         struct {
		ID             string   `json:"id"`
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		Category       string   `json:"category"`
		EstimatedHours *float64 `json:"estimated_hours"`
	} `json:"course"`
	User struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

// Normalize maps a Udemy certificate onto the neutral credential shape.
func (c *UdemyConnector) Normalize(item RawItem) (Credential, error) {
	var p udemyPayload
	if err := decodeItem(item, &p); err != nil {
		return Credential{}, err
	}

	sector := strings.TrimSpace(p.Course.Category)
	if sector == "" {
		sector = "Online Learning"
	}
	return finish(Credential{
		ExternalID:       p.ID,
		LearnerEmail:     p.User.Email,
		LearnerName:      p.User.DisplayName,
		CertificateTitle: p.Course.Title,
		IssuedAt:         p.CompletionDate,
		CertificateCode:  p.Course.ID,
		Sector:           sector,
		MinDuration:      p.Course.EstimatedHours,
		MaxDuration:      p.Course.EstimatedHours,
		AwardingBodies:   []string{"Udemy"},
		Occupation:       p.Course.Category,
		Tags:             []string{"udemy", "online-course"},
		Description:      p.Course.Description,
		DocumentURL:      p.CertificateURL,
	})
}
