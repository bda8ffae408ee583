package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KDFParams are the Argon2id cost factors used to stretch a configured
// secret into a sealing key.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams is used by NewSealer. Derivation runs once per process.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, Memory: 64 * 1024, Threads: 4}
}

func (p KDFParams) validate() error {
	switch {
	case p.Time == 0:
		return fmt.Errorf("kdf: time cost must be greater than zero")
	case p.Threads == 0:
		return fmt.Errorf("kdf: parallelism must be greater than zero")
	case p.Memory < 8*uint32(p.Threads):
		return fmt.Errorf("kdf: memory cost must be at least 8 * threads")
	}
	return nil
}

// deriveKey stretches secret into an AES-256 key. The salt names the purpose
// of the key so one secret never yields the same key for two uses.
func deriveKey(secret, salt []byte, params KDFParams) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("kdf: secret is required")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("kdf: salt must be at least 16 bytes (got %d)", len(salt))
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(secret, salt, params.Time, params.Memory, params.Threads, keySize), nil
}
