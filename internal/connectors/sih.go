package connectors

import (
	"context"
	"time"
)

// SIHConnector reads Smart India Hackathon credentials.
type SIHConnector struct {
	*apiKeyConnector
}

var _ Connector = (*SIHConnector)(nil)

// NewSIHConnector builds the SIH connector.
func NewSIHConnector(cfg ProviderConfig, opts ...Option) (Connector, error) {
	inner, err := newAPIKeyConnector(cfg, "/api/credentials", "/api/verify", "sih_api", opts...)
	if err != nil {
		return nil, err
	}
	return &SIHConnector{apiKeyConnector: inner}, nil
}

func (c *SIHConnector) Verify(ctx context.Context, item RawItem) (VerifyResult, error) {
	return c.verifyRemote(ctx, map[string]any{
		"credential_id":     item["credential_id"],
		"participant_email": item["participant_email"],
	})
}

type sihPayload struct {
	CredentialID        string    `json:"credential_id"`
	ParticipantEmail    string    `json:"participant_email"`
	ParticipantName     string    `json:"participant_name"`
	SkillTitle          string    `json:"skill_title"`
	SkillCode           string    `json:"skill_code"`
	Sector              string    `json:"sector"`
	ProficiencyLevel    *int      `json:"proficiency_level"`
	TrainingDuration    *float64  `json:"training_duration"`
	CompletionDate      time.Time `json:"completion_date"`
	CertifyingAuthority string    `json:"certifying_authority"`
	CertificateURL      string    `json:"certificate_url"`
}

func (c *SIHConnector) Normalize(item RawItem) (Credential, error) {
	var p sihPayload
	if err := decodeItem(item, &p); err != nil {
		return Credential{}, err
	}

	bodies := nonEmpty(p.CertifyingAuthority)
	if len(bodies) == 0 {
		bodies = []string{"SIH (Smart India Hackathon)"}
	}
	return finish(Credential{
		ExternalID:       p.CredentialID,
		LearnerEmail:     p.ParticipantEmail,
		LearnerName:      p.ParticipantName,
		CertificateTitle: p.SkillTitle,
		IssuedAt:         p.CompletionDate,
		CertificateCode:  p.SkillCode,
		Sector:           p.Sector,
		Level:            p.ProficiencyLevel,
		MinDuration:      p.TrainingDuration,
		MaxDuration:      p.TrainingDuration,
		AwardingBodies:   bodies,
		Occupation:       p.Sector,
		Tags:             []string{"sih", "government-initiative", "innovation"},
		DocumentURL:      p.CertificateURL,
	})
}
