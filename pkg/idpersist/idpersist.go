// Package idpersist loads a relay's identity keypair from disk, generating
// and persisting one on first run. Grounded on original_source's
// OlafServer.load_keys: a {host}_{port}_{public,private}_key.pem pair in a
// configured keys directory.
package idpersist

import (
	"fmt"
	"os"
	"path/filepath"

	rcrypto "github.com/olafproto/relay/pkg/crypto"
)

// LoadOrGenerate loads the identity keypair for host:port from dir, creating
// and persisting a fresh one if either file is absent. Returns a boot-time
// failure for any I/O or parse error, since a relay cannot run without a
// stable identity.
func LoadOrGenerate(dir, host string, port int) (*rcrypto.Keypair, error) {
	privPath := keyPath(dir, host, port, "private")
	pubPath := keyPath(dir, host, port, "public")

	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)

	if privErr == nil && pubErr == nil {
		return load(privPath, pubPath)
	}

	kp, err := rcrypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("idpersist: generate keypair: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("idpersist: create keys dir: %w", err)
	}
	if err := os.WriteFile(privPath, kp.PrivatePEM, 0o600); err != nil {
		return nil, fmt.Errorf("idpersist: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, kp.PublicPEM, 0o644); err != nil {
		return nil, fmt.Errorf("idpersist: write public key: %w", err)
	}
	return kp, nil
}

func load(privPath, pubPath string) (*rcrypto.Keypair, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("idpersist: read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("idpersist: read public key: %w", err)
	}

	priv, err := rcrypto.LoadPrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("idpersist: parse private key: %w", err)
	}
	pub, err := rcrypto.LoadPublicKey(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("idpersist: parse public key: %w", err)
	}

	return &rcrypto.Keypair{
		Private:    priv,
		Public:     pub,
		PrivatePEM: privPEM,
		PublicPEM:  pubPEM,
	}, nil
}

func keyPath(dir, host string, port int, kind string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%s_key.pem", host, port, kind))
}
