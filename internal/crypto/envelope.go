package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/edgectl/edgectl/internal/ecerrors"
)

// The registration envelope is a hybrid construction so payloads are not
// limited by the RSA message size:
//
//	RSA-OAEP(SHA-256, sessionKey) || nonce || AES-256-GCM(payload)
//
// The wrapped key length equals the RSA modulus size, so the layout needs
// no framing.

const gcmNonceSize = 12

// Wrap encrypts plaintext to the holder of the private key matching pub.
// Used by tests and by device-side tooling; the control plane itself only
// unwraps.
func Wrap(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrCryptoFailure, err)
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping session key: %v", ecerrors.ErrCryptoFailure, err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrCryptoFailure, err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrCryptoFailure, err)
	}

	out := make([]byte, 0, len(wrappedKey)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, wrappedKey...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Unwrap decrypts an envelope produced by Wrap. Any length, padding, or
// authentication mismatch yields ErrCryptoFailure without detail that could
// aid an attacker.
func Unwrap(priv *rsa.PrivateKey, envelope []byte) ([]byte, error) {
	keyLen := priv.Size()
	if len(envelope) < keyLen+gcmNonceSize+1 {
		return nil, fmt.Errorf("%w: envelope too short", ecerrors.ErrCryptoFailure)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, envelope[:keyLen], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key", ecerrors.ErrCryptoFailure)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session key", ecerrors.ErrCryptoFailure)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrCryptoFailure, err)
	}

	nonce := envelope[keyLen : keyLen+gcmNonceSize]
	plaintext, err := gcm.Open(nil, nonce, envelope[keyLen+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload authentication failed", ecerrors.ErrCryptoFailure)
	}
	return plaintext, nil
}
