package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	payloadKeyBytes    = 32
	minPayloadKeyBytes = 16
)

// KeyByteLength returns the decoded byte length of a key string.
// It supports hex, base64, and raw string encodings.
func KeyByteLength(value string) (int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}

	// Generated keys are hex.
	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return len(decoded), nil
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return len(decoded), nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return len(decoded), nil
	}

	return len(v), nil
}

// ValidatePayloadKey rejects payload sealing secrets shorter than 16 bytes.
func ValidatePayloadKey(value string) error {
	n, err := KeyByteLength(value)
	if err != nil {
		return err
	}
	if n < minPayloadKeyBytes {
		return fmt.Errorf("sync.payload_key must decode to at least %d bytes (current: %d)", minPayloadKeyBytes, n)
	}
	return nil
}

// GeneratePayloadKey returns a random hex encoded 32 byte secret.
func GeneratePayloadKey() (string, error) {
	return generateHexKey(payloadKeyBytes)
}

func generateHexKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
