package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/edgectl/edgectl/internal/ecerrors"
)

const platformKeyBits = 2048

// GenerateKeyPair produces an RSA key pair suitable for wrapping short
// payloads, PEM-encoded (PKCS#8 private key, PKIX public key).
func GenerateKeyPair() (privPEM []byte, pubPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, platformKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding public key: %w", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in private key", ecerrors.ErrCryptoFailure)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("%w: private key is not RSA", ecerrors.ErrCryptoFailure)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", ecerrors.ErrCryptoFailure, err)
	}
	return key, nil
}

func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", ecerrors.ErrCryptoFailure)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ecerrors.ErrCryptoFailure, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ecerrors.ErrCryptoFailure)
	}
	return rsaKey, nil
}
