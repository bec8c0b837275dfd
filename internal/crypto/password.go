package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"golang.org/x/crypto/bcrypt"
)

// Credential secrets are 32 bytes of cryptographic randomness, hex-encoded.
const secretBytes = 32

// HashPassword produces a salted, slow hash of the plaintext. The cost is
// tuned so a single verification takes tens of milliseconds on target
// hardware.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: hashing password: %v", ecerrors.ErrCryptoFailure, err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the stored hash. The
// comparison inside bcrypt is constant time.
func VerifyPassword(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// NewSecret returns a fresh hex-encoded random credential.
func NewSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: reading randomness: %v", ecerrors.ErrCryptoFailure, err)
	}
	return hex.EncodeToString(buf), nil
}
