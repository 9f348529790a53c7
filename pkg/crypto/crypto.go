// Package crypto implements the identity-key operations OLAF relays and
// clients need: RSA-2048 keypair generation, PEM encoding matching the
// reference client (PKCS#1 private key, SubjectPublicKeyInfo public key),
// PSS signing and verification, and fingerprinting.
//
// Signature verification is not performed by the relay core: the relay
// reads counters but does not verify client signatures. Verify is still
// implemented here so a future auth layer or an external tool can use it
// without re-deriving the PSS parameters.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const keyBits = 2048

var (
	ErrNotRSAKey    = errors.New("crypto: PEM block does not contain an RSA key")
	ErrInvalidBlock = errors.New("crypto: no PEM block found")
)

// Keypair is an RSA identity keypair, held as both parsed keys and their
// PEM encodings. The PEM bytes are what travels over the wire and what
// gets fingerprinted; the parsed keys are what Sign/Verify actually use.
type Keypair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey

	PrivatePEM []byte
	PublicPEM  []byte
}

// GenerateKeypair creates a new RSA-2048 keypair and encodes it the way the
// reference implementation does: PKCS#1 ("TraditionalOpenSSL") for the
// private key, SubjectPublicKeyInfo for the public key.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return keypairFromPrivate(priv)
}

func keypairFromPrivate(priv *rsa.PrivateKey) (*Keypair, error) {
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return &Keypair{
		Private:    priv,
		Public:     &priv.PublicKey,
		PrivatePEM: privPEM,
		PublicPEM:  pubPEM,
	}, nil
}

// LoadPrivateKey parses a PKCS#1 PEM-encoded RSA private key, the format
// GenerateKeypair writes and pkg/idpersist persists.
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidBlock
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRSAKey, err)
	}
	return key, nil
}

// LoadPublicKey parses a SubjectPublicKeyInfo PEM-encoded RSA public key.
func LoadPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidBlock
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRSAKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaPub, nil
}

// Sign computes an RSA-PSS signature over message using SHA-256, matching
// the reference client's sign_rsa (PSS, MGF1-SHA256, 32-byte salt).
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
}

// Verify checks an RSA-PSS signature produced by Sign. Unused by the relay
// core today; kept as the extension point a future authentication layer
// would call.
func Verify(pub *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}

// Fingerprint returns base64-free raw sha256 bytes of PEM-encoded key
// material, hashed exactly as given. Callers that need the wire/log
// representation should use relay.Identity.Fingerprint, which base64-encodes
// the sha256 of the whitespace-normalized key (trailing newline trimmed), so
// its digest differs from this one for PEM bytes that end in a newline.
func Fingerprint(pemBytes []byte) [32]byte {
	return sha256.Sum256(pemBytes)
}
