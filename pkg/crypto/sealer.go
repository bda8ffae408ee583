package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize         = 32
	envelopeVersion = "v1"
)

// payloadSalt scopes derived keys to raw provider payload sealing.
var payloadSalt = []byte("credledger/raw-payload/v1")

var (
	// ErrMalformedEnvelope is returned when a stored envelope cannot be parsed.
	ErrMalformedEnvelope = errors.New("sealer: malformed envelope")
	// ErrUnsupportedEnvelope is returned for envelopes written by a newer format.
	ErrUnsupportedEnvelope = errors.New("sealer: unsupported envelope version")
)

// Sealer encrypts raw provider payloads at rest with AES-256-GCM.
//
// Envelopes have the form "v1.<base64url(nonce|ciphertext)>". The caller
// supplies a binding string (the provider id) that is authenticated but not
// stored, so an envelope copied onto another provider's record fails to open.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewSealer derives the sealing key from secret with the default Argon2id
// parameters.
func NewSealer(secret string) (*Sealer, error) {
	return NewSealerWithParams(secret, DefaultKDFParams())
}

// NewSealerWithParams derives the sealing key with explicit cost factors.
func NewSealerWithParams(secret string, params KDFParams) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("sealer: secret is required")
	}

	key, err := deriveKey([]byte(secret), payloadSalt, params)
	if err != nil {
		return nil, fmt.Errorf("sealer: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext bound to binding.
func (s *Sealer) Seal(plaintext []byte, binding string) (string, error) {
	if s == nil {
		return "", errors.New("sealer: not configured")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("sealer: nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(binding))
	return envelopeVersion + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. binding must match the value given to Seal.
func (s *Sealer) Open(envelope, binding string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("sealer: not configured")
	}

	version, body, ok := strings.Cut(envelope, ".")
	if !ok {
		return nil, ErrMalformedEnvelope
	}
	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEnvelope, version)
	}

	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize+s.aead.Overhead() {
		return nil, ErrMalformedEnvelope
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(binding))
	if err != nil {
		return nil, fmt.Errorf("sealer: open: %w", err)
	}
	return plaintext, nil
}

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive (got %d)", length)
	}
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
