package connectors

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

const (
	nsdcAssertionTTL = 5 * time.Minute
	nsdcTokenSkew    = 30 * time.Second
	nsdcPagePrefix   = "page_"
)

// NSDCConnector talks to the National Skill Development Corporation API.
type NSDCConnector struct {
	*baseConnector

	tokenMu     sync.Mutex
	tokenExpiry time.Time
	hasToken    bool
}

var _ Connector = (*NSDCConnector)(nil)

// NewNSDCConnector builds the NSDC connector. client_id and client_secret are required.
func NewNSDCConnector(cfg ProviderConfig, opts ...Option) (Connector, error) {
	base, err := newBaseConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.credential("client_id") == "" || cfg.credential("client_secret") == "" {
		return nil, fmt.Errorf("connector %s: client_id and client_secret are required", base.cfg.ID)
	}
	return &NSDCConnector{baseConnector: base}, nil
}

type nsdcTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticate exchanges a signed client assertion for a bearer token. It is a no-op
// while the current token is still valid.
func (c *NSDCConnector) Authenticate(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.hasToken && !c.tokenExpiry.IsZero() && now.Add(nsdcTokenSkew).Before(c.tokenExpiry) {
		return nil
	}

	assertion, err := c.assertion(now)
	if err != nil {
		return err
	}

	var resp nsdcTokenResponse
	if err := c.postJSON(ctx, "/auth", map[string]string{
		"client_id":     c.cfg.credential("client_id"),
		"client_secret": c.cfg.credential("client_secret"),
		"assertion":     assertion,
	}, &resp); err != nil {
		c.log.Warn("authentication failed", zap.Error(err))
		return fmt.Errorf("connector %s: authenticate: %w", c.cfg.ID, err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return fmt.Errorf("connector %s: authenticate: empty access token", c.cfg.ID)
	}

	c.setBearer(resp.AccessToken)
	c.hasToken = true
	c.tokenExpiry = tokenExpiry(resp, now)
	c.log.Info("authenticated", zap.Time("token_expires_at", c.tokenExpiry))
	return nil
}

func (c *NSDCConnector) assertion(now time.Time) (string, error) {
	clientID := c.cfg.credential("client_id")
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{c.baseURL + "/auth"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(nsdcAssertionTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.credential("client_secret")))
	if err != nil {
		return "", fmt.Errorf("connector %s: sign assertion: %w", c.cfg.ID, err)
	}
	return signed, nil
}

// tokenExpiry reads exp from the token when it is a JWT, otherwise trusts expires_in.
// A zero result forces re-authentication on the next cycle.
func tokenExpiry(resp nsdcTokenResponse, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if resp.ExpiresIn > 0 {
		return now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

type nsdcPage struct {
	Data       []RawItem `json:"data"`
	Pagination struct {
		Total         int    `json:"total"`
		Page          int    `json:"page"`
		NextPageToken string `json:"next_page_token"`
	} `json:"pagination"`
}

// FetchSince returns one page of credentials issued after since.
func (c *NSDCConnector) FetchSince(ctx context.Context, since time.Time, pageToken string) (*FetchResult, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pageToken, nsdcPagePrefix))
		if err != nil || n < 1 {
			return nil, apperrors.ErrValidation.Newf("invalid page token %q", pageToken)
		}
		page = n
	}

	query := url.Values{}
	query.Set("since", sinceParam(since))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(defaultPageSize))

	var resp nsdcPage
	if err := c.getJSON(ctx, "/credentials", query, &resp); err != nil {
		return nil, fmt.Errorf("connector %s: fetch: %w", c.cfg.ID, err)
	}

	c.log.Debug("fetched credentials",
		zap.Int("count", len(resp.Data)),
		zap.Int("total", resp.Pagination.Total),
		zap.Int("page", resp.Pagination.Page),
	)
	return &FetchResult{
		Items: resp.Data,
		Next:  resp.Pagination.NextPageToken,
		Total: resp.Pagination.Total,
	}, nil
}

// Verify accepts NSDC records as issued by the authenticated API.
func (c *NSDCConnector) Verify(_ context.Context, item RawItem) (VerifyResult, error) {
	return VerifyResult{
		OK:   true,
		Meta: map[string]any{
			"verified_at":   c.stamp(),
			"method":        "nsdc_api",
			"credential_id": item["credential_id"],
		},
	}, nil
}

type nsdcPayload struct {
	CredentialID       string    `json:"credential_id"`
	CandidateName      string    `json:"candidate_name"`
	CandidateEmail     string    `json:"candidate_email"`
	QualificationTitle string    `json:"qualification_title"`
	QPCode             string    `json:"qp_code"`
	Sector             string    `json:"sector"`
	NSQFLevel          *int      `json:"nsqf_level"`
	Occupation         string    `json:"occupation"`
	Description        string    `json:"description"`
	AwardingBody       string    `json:"awarding_body"`
	IssueDate          time.Time `json:"issue_date"`
	CertificateURL     string    `json:"certificate_url"`
	TrainingHours      struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	} `json:"training_hours"`
}

// Normalize maps an NSDC record onto the neutral credential shape.
func (c *NSDCConnector) Normalize(item RawItem) (Credential, error) {
	var p nsdcPayload
	if err := decodeItem(item, &p); err != nil {
		return Credential{}, err
	}
	return finish(Credential{
		ExternalID:       p.CredentialID,
		LearnerEmail:     p.CandidateEmail,
		LearnerName:      p.CandidateName,
		CertificateTitle: p.QualificationTitle,
		IssuedAt:         p.IssueDate,
		CertificateCode:  p.QPCode,
		Sector:           p.Sector,
		Level:            p.NSQFLevel,
		MinDuration:      p.TrainingHours.Min,
		MaxDuration:      p.TrainingHours.Max,
		AwardingBodies:   nonEmpty(p.AwardingBody),
		Occupation:       p.Occupation,
		Tags:             []string{"nsdc", "skill-india"},
		Description:      p.Description,
		DocumentURL:      p.CertificateURL,
	})
}
