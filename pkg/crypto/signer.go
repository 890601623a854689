// Package crypto signs and verifies receipts. Signatures are tagged with the
// algorithm that produced them ("hmac-sha256:<hex>", "ed25519:<hex>") so new
// algorithms can be added without invalidating old receipts.
package crypto

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ihoward40/SintraPrime-sub001/pkg/canonicalize"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Signature algorithm tags.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgEd25519    = "ed25519"
	SigSeparator  = ":"
)

// Signer produces tagged signatures.
type Signer interface {
	Algorithm() string
	Sign(data []byte) (string, error)
}

// Verifier checks raw (untagged) hex signatures for one algorithm.
type Verifier interface {
	Algorithm() string
	VerifyHex(data []byte, sigHex string) bool
}

// SplitSignature separates "alg:hex" into its parts.
func SplitSignature(sig string) (alg, hexSig string, ok bool) {
	alg, hexSig, ok = strings.Cut(sig, SigSeparator)
	if !ok || alg == "" || hexSig == "" {
		return "", "", false
	}
	return alg, hexSig, true
}

func tag(alg, hexSig string) string {
	return alg + SigSeparator + hexSig
}

// ReceiptPayload is the canonical byte form covered by a receipt signature.
func ReceiptPayload(r *contracts.Receipt) ([]byte, error) {
	b, err := canonicalize.JCS(r.SignedFields())
	if err != nil {
		return nil, fmt.Errorf("receipt payload: %w", err)
	}
	return b, nil
}

// SignReceipt computes and stores the receipt signature.
func SignReceipt(s Signer, r *contracts.Receipt) error {
	payload, err := ReceiptPayload(r)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign receipt %s: %w", r.ID, err)
	}
	r.Signature = sig
	return nil
}

// Keyring signs with one primary signer and verifies with any registered
// algorithm.
type Keyring struct {
	mu        sync.RWMutex
	primary   Signer
	verifiers map[string]Verifier
}

// NewKeyring creates a keyring whose primary signer also verifies, when it
// implements Verifier.
func NewKeyring(primary Signer, extra ...Verifier) *Keyring {
	k := &Keyring{
		primary:   primary,
		verifiers: make(map[string]Verifier),
	}
	if v, ok := primary.(Verifier); ok {
		k.verifiers[v.Algorithm()] = v
	}
	for _, v := range extra {
		k.verifiers[v.Algorithm()] = v
	}
	return k
}

// AddVerifier registers an additional algorithm for verification.
func (k *Keyring) AddVerifier(v Verifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[v.Algorithm()] = v
}

// Algorithm reports the primary signing algorithm.
func (k *Keyring) Algorithm() string {
	return k.primary.Algorithm()
}

// Sign signs with the primary signer.
func (k *Keyring) Sign(data []byte) (string, error) {
	return k.primary.Sign(data)
}

// Verify checks a tagged signature. It fails closed on an empty signature,
// a malformed or unsupported tag, and on mismatch.
func (k *Keyring) Verify(data []byte, sig string) bool {
	alg, hexSig, ok := SplitSignature(sig)
	if !ok {
		return false
	}
	k.mu.RLock()
	v, known := k.verifiers[alg]
	k.mu.RUnlock()
	if !known {
		return false
	}
	return v.VerifyHex(data, hexSig)
}

// VerifyReceipt recomputes the receipt payload and checks its signature.
func (k *Keyring) VerifyReceipt(r *contracts.Receipt) bool {
	if r == nil || r.Signature == "" {
		return false
	}
	payload, err := ReceiptPayload(r)
	if err != nil {
		return false
	}
	return k.Verify(payload, r.Signature)
}
