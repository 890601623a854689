package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/canonicalize"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// BundleVersion is the format version written into exported bundles.
const BundleVersion = "1.0.0"

// Bundle is an exportable, self-describing set of receipts together with the
// verification result computed at export time.
type Bundle struct {
	BundleID     string               `json:"bundle_id"`
	Version      string               `json:"version"`
	CreatedAt    time.Time            `json:"created_at"`
	StartSeq     uint64               `json:"start_sequence"`
	EndSeq       uint64               `json:"end_sequence"`
	ReceiptCount int                  `json:"receipt_count"`
	Receipts     []*contracts.Receipt `json:"receipts"`
	Verification ChainReport          `json:"verification"`
	BundleHash   string               `json:"bundle_hash"`
}

// ExportBundle collects the receipts matching f in sequence order and
// verifies them.
func (l *Ledger) ExportBundle(ctx context.Context, f Filter) (*Bundle, error) {
	f.Descending = false
	receipts, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, fmt.Errorf("export bundle: no receipts match filter: %w", contracts.ErrNotFound)
	}

	b := &Bundle{
		BundleID:     l.newID(),
		Version:      BundleVersion,
		CreatedAt:    l.clock().UTC().Truncate(time.Microsecond),
		StartSeq:     receipts[0].Sequence,
		EndSeq:       receipts[len(receipts)-1].Sequence,
		ReceiptCount: len(receipts),
		Receipts:     receipts,
		Verification: l.VerifyChain(receipts),
	}
	b.BundleHash = canonicalize.Hash(b.Receipts)
	if !b.Verification.Valid {
		l.logger.WarnContext(ctx, "exported bundle contains invalid receipts",
			"bundle_id", b.BundleID, "invalid", b.Verification.InvalidCount)
	}
	return b, nil
}

// VerifyBundle checks a bundle without the signing key: the bundle hash and
// each receipt's evidence hash.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Receipts) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	if b.ReceiptCount != len(b.Receipts) {
		return fmt.Errorf("bundle receipt count %d does not match %d receipts", b.ReceiptCount, len(b.Receipts))
	}
	if canonicalize.Hash(b.Receipts) != b.BundleHash {
		return fmt.Errorf("bundle hash: %w", contracts.ErrHashMismatch)
	}
	for _, r := range b.Receipts {
		if canonicalize.Hash(r.Details) != r.EvidenceHash {
			return fmt.Errorf("receipt %s: %w", r.ID, contracts.ErrHashMismatch)
		}
	}
	return nil
}

// Publish exports the receipts matching f and stores the canonical bundle in
// dst. It returns the bundle and its content digest.
func (l *Ledger) Publish(ctx context.Context, dst artifacts.Store, f Filter) (*Bundle, string, error) {
	b, err := l.ExportBundle(ctx, f)
	if err != nil {
		return nil, "", err
	}
	data, err := canonicalize.JCS(b)
	if err != nil {
		return nil, "", fmt.Errorf("encode bundle: %w", err)
	}
	digest, err := dst.Put(ctx, data)
	if err != nil {
		return nil, "", contracts.StorageError("publish bundle", err)
	}
	l.logger.InfoContext(ctx, "evidence bundle published",
		"bundle_id", b.BundleID, "digest", digest, "receipts", b.ReceiptCount)
	return b, digest, nil
}
