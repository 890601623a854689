package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// NewSigner builds the signer named by alg from out-of-band key material.
// For ed25519 a 32-byte secret is used as the seed directly; any other length
// is expanded into a seed with HKDF.
func NewSigner(alg string, secret []byte, keyID string) (Signer, error) {
	switch alg {
	case "", AlgHMACSHA256:
		return NewHMACSigner(secret, keyID)
	case AlgEd25519:
		seed := secret
		if len(seed) != ed25519.SeedSize {
			if len(seed) == 0 {
				return nil, fmt.Errorf("ed25519 signing secret must not be empty")
			}
			derived := make([]byte, ed25519.SeedSize)
			r := hkdf.New(sha256.New, secret, []byte(hmacKDFSalt), []byte(keyID))
			if _, err := io.ReadFull(r, derived); err != nil {
				return nil, fmt.Errorf("HKDF derivation failed: %w", err)
			}
			seed = derived
		}
		return NewEd25519SignerFromSeed(seed, keyID)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}
