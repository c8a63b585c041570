package app

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clubworks/assoc/pkg/jwtx"
)

const masterKeyBytes = 32

// initSigningKeys builds the token signing infrastructure. Keys are
// ephemeral: a restart invalidates outstanding access tokens, which is
// fine at their 15 minute lifetime.
func initSigningKeys(issuer string) (*jwtx.Signer, *jwtx.KeySet, *jwtx.Verifier, error) {
	signer, err := jwtx.NewEphemeralSigner()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := signer.Validate(); err != nil {
		return nil, nil, nil, err
	}

	keys := jwtx.NewKeySet()
	keys.AddSigner(signer)
	return signer, keys, jwtx.NewVerifier(keys, issuer), nil
}

// loadOrGenerateMasterKey reads the secret-encryption master key from
// file, creating a fresh one on first start. Losing this file makes all
// stored TOTP secrets unrecoverable.
func loadOrGenerateMasterKey(file string) ([]byte, error) {
	file = filepath.Clean(file)
	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return nil, err
	}

	if _, err := os.Stat(file); os.IsNotExist(err) {
		key := make([]byte, masterKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := os.WriteFile(file, key, 0600); err != nil {
			return nil, err
		}
		return key, nil
	}

	key, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("master key file %s is empty", file)
	}
	return key, nil
}
