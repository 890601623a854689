package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hmacKDFSalt = "govkernel-receipt-signing"

// HMACSigner signs with HMAC-SHA256 under a key derived from configured
// secret material.
type HMACSigner struct {
	key   []byte
	KeyID string
}

// DeriveHMACKey expands secret into a 32-byte signing key with HKDF-SHA256.
// keyID is used as the HKDF info so distinct key ids never share a key.
func DeriveHMACKey(secret []byte, keyID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac signing secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, []byte(hmacKDFSalt), []byte(keyID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

// NewHMACSigner derives the signing key from secret.
func NewHMACSigner(secret []byte, keyID string) (*HMACSigner, error) {
	key, err := DeriveHMACKey(secret, keyID)
	if err != nil {
		return nil, err
	}
	return &HMACSigner{key: key, KeyID: keyID}, nil
}

func (s *HMACSigner) Algorithm() string { return AlgHMACSHA256 }

func (s *HMACSigner) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return m.Sum(nil)
}

// Sign returns "hmac-sha256:<hex>".
func (s *HMACSigner) Sign(data []byte) (string, error) {
	return tag(AlgHMACSHA256, hex.EncodeToString(s.mac(data))), nil
}

// VerifyHex compares in constant time.
func (s *HMACSigner) VerifyHex(data []byte, sigHex string) bool {
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(data))
}
