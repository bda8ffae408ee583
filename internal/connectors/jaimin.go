package connectors

import (
	"context"
	"time"
)

// JaiminConnector reads corporate training certificates from Jaimin Pvt Ltd.
type JaiminConnector struct {
	*apiKeyConnector
}

var _ Connector = (*JaiminConnector)(nil)

// NewJaiminConnector builds the Jaimin connector.
func NewJaiminConnector(cfg ProviderConfig, opts ...Option) (Connector, error) {
	inner, err := newAPIKeyConnector(cfg, "/api/certs", "/api/verify", "jaimin_api", opts...)
	if err != nil {
		return nil, err
	}
	return &JaiminConnector{apiKeyConnector: inner}, nil
}

// Verify asks Jaimin to confirm the certificate belongs to the trainee.
func (c *JaiminConnector) Verify(ctx context.Context, item RawItem) (VerifyResult, error) {
	return c.verifyRemote(ctx, map[string]any{
		"cert_id":       item["cert_id"],
		"trainee_email": item["trainee_email"],
	})
}

type jaiminPayload struct {
	CertID         string    `json:"cert_id"`
	TraineeEmail   string    `json:"trainee_email"`
	TraineeName    string    `json:"trainee_name"`
	ProgramName    string    `json:"program_name"`
	ProgramCode    string    `json:"program_code"`
	IndustrySector string    `json:"industry_sector"`
	Role           string    `json:"role"`
	SkillLevel     *int      `json:"skill_level"`
	DurationHours  *float64  `json:"duration_hours"`
	CompletedOn    time.Time `json:"completed_on"`
	IssuedBy       []string  `json:"issued_by"`
	Tags           []string  `json:"tags"`
	CertificateURL string    `json:"certificate_url"`
}

// Normalize maps a Jaimin certificate onto the neutral credential shape.
func (c *JaiminConnector) Normalize(item RawItem) (Credential, error) {
	var p jaiminPayload
	if err := decodeItem(item, &p); err != nil {
		return Credential{}, err
	}

	bodies := nonEmpty(p.IssuedBy...)
	if len(bodies) == 0 {
		bodies = []string{"Jaimin Pvt Ltd"}
	}
	tags := nonEmpty(p.Tags...)
	if len(tags) == 0 {
		tags = []string{"jaimin", "corporate-training"}
	}
	occupation := p.Role
	if occupation == "" {
		occupation = p.IndustrySector
	}

	return finish(Credential{
		ExternalID:       p.CertID,
		LearnerEmail:     p.TraineeEmail,
		LearnerName:      p.TraineeName,
		CertificateTitle: p.ProgramName,
		IssuedAt:         p.CompletedOn,
		CertificateCode:  p.ProgramCode,
		Sector:           p.IndustrySector,
		Level:            p.SkillLevel,
		MinDuration:      p.DurationHours,
		MaxDuration:      p.DurationHours,
		AwardingBodies:   bodies,
		Occupation:       occupation,
		Tags:             tags,
		DocumentURL:      p.CertificateURL,
	})
}
