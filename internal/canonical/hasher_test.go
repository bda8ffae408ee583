package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleFields() Fields {
	return Fields{
		CredentialID:     "cred-001",
		LearnerID:        strPtr("learner-42"),
		LearnerEmail:     "asha@example.com",
		IssuerID:         "issuer-7",
		CertificateTitle: "Solar PV Installer <Level 4> & Safety",
		IssuedAt:         time.Date(2024, 3, 15, 16, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		ContentRef:       strPtr("bafybeigdyrzt"),
		Network:          "polygon-amoy",
		ContractAddress:  "0xAbC123",
	}
}

func TestMarshalProducesSortedCompactJSON(t *testing.T) {
	data, err := Marshal(Build(sampleFields()))
	require.NoError(t, err)

	expected := `{"blockchain":{"network":"polygon-amoy","contract_address":"0xAbC123","tx_hash":null},` +
		`"certificate_title":"Solar PV Installer <Level 4> & Safety","credential_id":"cred-001",` +
		`"data_hash":null,"ipfs_cid":"bafybeigdyrzt","issued_at":"2024-03-15T10:30:00.000Z",` +
		`"issuer_id":"issuer-7","learner_email":"asha@example.com","learner_id":"learner-42",` +
		`"meta_hash_alg":"sha256","pdf_url":null}`
	require.Equal(t, expected, string(data))
}

func TestComputeHashGolden(t *testing.T) {
	hash, err := HashFields(sampleFields())
	require.NoError(t, err)
	require.Equal(t, "3d74027444836a58c6e13aec08102106ed28515db149a8a6f6cb4561b62c592d", hash)
	require.Len(t, hash, 64)
}

func TestComputeHashDeterministic(t *testing.T) {
	first, err := HashFields(sampleFields())
	require.NoError(t, err)
	second, err := HashFields(sampleFields())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestComputeHashSensitiveToEveryField(t *testing.T) {
	base, err := HashFields(sampleFields())
	require.NoError(t, err)

	mutations := map[string]func(*Fields){
		"credential id":    func(f *Fields) { f.CredentialID = "cred-002" },
		"learner id":       func(f *Fields) { f.LearnerID = nil },
		"learner email":    func(f *Fields) { f.LearnerEmail = "other@example.com" },
		"issuer id":        func(f *Fields) { f.IssuerID = "issuer-8" },
		"title":            func(f *Fields) { f.CertificateTitle = "Solar PV Installer" },
		"issued at":        func(f *Fields) { f.IssuedAt = f.IssuedAt.Add(time.Millisecond) },
		"content ref":      func(f *Fields) { f.ContentRef = strPtr("bafkother") },
		"document url":     func(f *Fields) { f.DocumentURL = strPtr("https://files.example.com/c.pdf") },
		"network":          func(f *Fields) { f.Network = "polygon" },
		"contract address": func(f *Fields) { f.ContractAddress = "0xdef" },
		"anchor tx":        func(f *Fields) { f.AnchorTx = strPtr("0xfeed") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := sampleFields()
			mutate(&f)
			got, err := HashFields(f)
			require.NoError(t, err)
			require.NotEqual(t, base, got)
		})
	}
}

func TestBuildNormalisesEmptyOptionals(t *testing.T) {
	f := sampleFields()
	f.LearnerID = strPtr("")
	f.ContentRef = strPtr("")

	rec := Build(f)
	require.Nil(t, rec.LearnerID)
	require.Nil(t, rec.ContentRef)
	require.Nil(t, rec.DataHash)
	require.Equal(t, HashAlgorithm, rec.MetaHashAlg)
}

func TestMarshalIgnoresDataHash(t *testing.T) {
	rec := Build(sampleFields())
	withoutHash, err := ComputeHash(rec)
	require.NoError(t, err)

	rec.DataHash = strPtr("deadbeef")
	withHash, err := ComputeHash(rec)
	require.NoError(t, err)
	require.Equal(t, withoutHash, withHash)
}

func TestMarshalKeepsLineSeparatorsRaw(t *testing.T) {
	f := sampleFields()
	f.CertificateTitle = "line\u2028para\u2029end"

	data, err := Marshal(Build(f))
	require.NoError(t, err)
	require.Contains(t, string(data), "\"line\u2028para\u2029end\"")
	require.NotContains(t, string(data), `\u2028`)
}

func TestMarshalLeavesEscapedBackslashSequences(t *testing.T) {
	f := sampleFields()
	f.CertificateTitle = `literal \u2028 text`

	data, err := Marshal(Build(f))
	require.NoError(t, err)
	require.Contains(t, string(data), `"literal \\u2028 text"`)
}

func TestVerify(t *testing.T) {
	rec := Build(sampleFields())
	hash, err := ComputeHash(rec)
	require.NoError(t, err)

	require.True(t, Verify(rec, hash))
	require.True(t, Verify(rec, " "+hash+" "))

	rec.CertificateTitle = "tampered"
	require.False(t, Verify(rec, hash))
}
