package ledger

import (
	"github.com/ihoward40/SintraPrime-sub001/pkg/canonicalize"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// Integrity check names reported in FailedChecks.
const (
	CheckSignaturePresent = "signature_present"
	CheckSignatureValid   = "signature_valid"
	CheckHashValid        = "hash_valid"
)

// IntegrityReport is the result of verifying a single receipt.
type IntegrityReport struct {
	ReceiptID        string   `json:"receipt_id"`
	Valid            bool     `json:"valid"`
	SignaturePresent bool     `json:"signature_present"`
	SignatureValid   bool     `json:"signature_valid"`
	HashValid        bool     `json:"hash_valid"`
	FailedChecks     []string `json:"failed_checks"`
}

// Err maps a failed report onto the verification sentinels.
func (r IntegrityReport) Err() error {
	switch {
	case r.Valid:
		return nil
	case !r.HashValid:
		return contracts.ErrHashMismatch
	default:
		return contracts.ErrSignatureInvalid
	}
}

// ChainReport aggregates independent per-receipt checks. The ledger carries
// no predecessor links, so deletions and reorderings are not detected here.
type ChainReport struct {
	Valid        bool                `json:"valid"`
	Total        int                 `json:"total"`
	ValidCount   int                 `json:"valid_count"`
	InvalidCount int                 `json:"invalid_count"`
	Errors       map[string][]string `json:"errors"`
}

// VerifyIntegrity recomputes the evidence hash and checks the signature.
func (l *Ledger) VerifyIntegrity(r *contracts.Receipt) IntegrityReport {
	rep := IntegrityReport{FailedChecks: []string{}}
	if r == nil {
		rep.FailedChecks = append(rep.FailedChecks, CheckSignaturePresent, CheckSignatureValid, CheckHashValid)
		return rep
	}
	rep.ReceiptID = r.ID

	rep.SignaturePresent = r.Signature != ""
	if !rep.SignaturePresent {
		rep.FailedChecks = append(rep.FailedChecks, CheckSignaturePresent)
	}

	rep.SignatureValid = rep.SignaturePresent && l.keyring.VerifyReceipt(r)
	if !rep.SignatureValid {
		rep.FailedChecks = append(rep.FailedChecks, CheckSignatureValid)
	}

	rep.HashValid = canonicalize.Hash(r.Details) == r.EvidenceHash
	if !rep.HashValid {
		rep.FailedChecks = append(rep.FailedChecks, CheckHashValid)
	}

	rep.Valid = len(rep.FailedChecks) == 0
	return rep
}

// VerifyChain verifies each receipt independently. An empty input is valid.
func (l *Ledger) VerifyChain(receipts []*contracts.Receipt) ChainReport {
	rep := ChainReport{Total: len(receipts), Errors: make(map[string][]string)}
	for _, r := range receipts {
		ir := l.VerifyIntegrity(r)
		if ir.Valid {
			rep.ValidCount++
			continue
		}
		rep.InvalidCount++
		rep.Errors[ir.ReceiptID] = ir.FailedChecks
	}
	rep.Valid = rep.InvalidCount == 0
	return rep
}
