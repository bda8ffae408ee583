// Package canonical builds the fixed-shape record a credential is hashed from
// and computes its content digest.
//
// Serialization sorts top-level keys only. The nested blockchain object is
// always emitted as network, contract_address, tx_hash; changing that order
// changes every digest ever issued.
//
// Network and contract address are real hash inputs. Digests produced by the
// legacy issuer serialized the blockchain object as {} and therefore do not
// verify here; importing such records requires rehashing them.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HashAlgorithm is recorded in every canonical record.
const HashAlgorithm = "sha256"

// TimestampLayout renders issued_at as UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Fields are the credential attributes the digest is computed from.
type Fields struct {
	CredentialID     string
	LearnerID        *string
	LearnerEmail     string
	IssuerID         string
	CertificateTitle string
	IssuedAt         time.Time
	ContentRef       *string
	DocumentURL      *string
	Network          string
	ContractAddress  string
	AnchorTx         *string
}

// Blockchain is the nested anchor block. Field order is part of the hash contract.
type Blockchain struct {
	Network         string  `json:"network"`
	ContractAddress string  `json:"contract_address"`
	TxHash          *string `json:"tx_hash"`
}

// Record is the canonical representation of a credential.
type Record struct {
	CredentialID     string     `json:"credential_id"`
	LearnerID        *string    `json:"learner_id"`
	LearnerEmail     string     `json:"learner_email"`
	IssuerID         string     `json:"issuer_id"`
	CertificateTitle string     `json:"certificate_title"`
	IssuedAt         string     `json:"issued_at"`
	ContentRef       *string    `json:"ipfs_cid"`
	DocumentURL      *string    `json:"pdf_url"`
	Blockchain       Blockchain `json:"blockchain"`
	MetaHashAlg      string     `json:"meta_hash_alg"`
	DataHash         *string    `json:"data_hash"`
}

// Build assembles the canonical record. DataHash is always nil; AnchorTx is
// carried as given so callers can build pre- and post-anchor views.
func Build(f Fields) Record {
	return Record{
		CredentialID:     f.CredentialID,
		LearnerID:        nonEmpty(f.LearnerID),
		LearnerEmail:     f.LearnerEmail,
		IssuerID:         f.IssuerID,
		CertificateTitle: f.CertificateTitle,
		IssuedAt:         FormatTimestamp(f.IssuedAt),
		ContentRef:       nonEmpty(f.ContentRef),
		DocumentURL:      nonEmpty(f.DocumentURL),
		Blockchain: Blockchain{
			Network:         f.Network,
			ContractAddress: f.ContractAddress,
			TxHash:          nonEmpty(f.AnchorTx),
		},
		MetaHashAlg: HashAlgorithm,
	}
}

// FormatTimestamp renders t the way issued_at is hashed.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Marshal returns the exact bytes that are hashed for r.
func Marshal(r Record) ([]byte, error) {
	r.DataHash = nil

	fields := map[string]any{
		"credential_id":     r.CredentialID,
		"learner_id":        r.LearnerID,
		"learner_email":     r.LearnerEmail,
		"issuer_id":         r.IssuerID,
		"certificate_title": r.CertificateTitle,
		"issued_at":         r.IssuedAt,
		"ipfs_cid":          r.ContentRef,
		"pdf_url":           r.DocumentURL,
		"blockchain":        r.Blockchain,
		"meta_hash_alg":     r.MetaHashAlg,
		"data_hash":         r.DataHash,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := encode(k)
		if err != nil {
			return nil, err
		}
		val, err := encode(fields[k])
		if err != nil {
			return nil, fmt.Errorf("canonical: field %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical bytes.
func ComputeHash(r Record) (string, error) {
	data, err := Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashFields is Build followed by ComputeHash.
func HashFields(f Fields) (string, error) {
	return ComputeHash(Build(f))
}

// Verify recomputes the digest of r and compares it to expected.
func Verify(r Record, expected string) bool {
	got, err := ComputeHash(r)
	if err != nil {
		return false
	}
	return got == strings.ToLower(strings.TrimSpace(expected))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return unescapeLineSeparators(out), nil
}

// unescapeLineSeparators emits U+2028 and U+2029 raw, as JavaScript JSON does.
// A sequence preceded by an odd run of backslashes is a real escape; an even
// run means the backslash itself was escaped and the text is literal.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+5 < len(data) && string(data[i+1:i+5]) == "u202" &&
			(data[i+5] == '8' || data[i+5] == '9') && precedingBackslashes(data, i)%2 == 0 {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, data[i])
	}
	return out
}

func precedingBackslashes(data []byte, i int) int {
	n := 0
	for j := i - 1; j >= 0 && data[j] == '\\'; j-- {
		n++
	}
	return n
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
