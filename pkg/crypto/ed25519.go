package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgEd25519 }

// Sign returns "ed25519:<hex>".
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return tag(AlgEd25519, hex.EncodeToString(ed25519.Sign(s.privKey, data))), nil
}

func (s *Ed25519Signer) VerifyHex(data []byte, sigHex string) bool {
	return verifyEd25519(s.pubKey, data, sigHex)
}

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// Ed25519Verifier verifies with a public key only.
type Ed25519Verifier struct {
	pubKey ed25519.PublicKey
}

// NewEd25519Verifier parses a hex-encoded public key.
func NewEd25519Verifier(pubKeyHex string) (*Ed25519Verifier, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return &Ed25519Verifier{pubKey: pub}, nil
}

func (v *Ed25519Verifier) Algorithm() string { return AlgEd25519 }

func (v *Ed25519Verifier) VerifyHex(data []byte, sigHex string) bool {
	return verifyEd25519(v.pubKey, data, sigHex)
}

func verifyEd25519(pub ed25519.PublicKey, data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
