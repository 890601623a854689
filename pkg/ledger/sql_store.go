package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// SQLStore persists receipts in a single append-only table. It works on both
// SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS receipts (
	sequence ` + s.dialect.SerialPrimaryKey() + `,
	id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	details TEXT NOT NULL,
	evidence_hash TEXT NOT NULL,
	outcome TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL,
	requires_review BOOLEAN NOT NULL DEFAULT FALSE,
	reviewed_at TEXT,
	reviewed_by TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_actor_ts ON receipts (actor, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_action ON receipts (action)`,
	}
}

// Init creates the receipts table and its indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init receipts schema: %w", err)
		}
	}
	return nil
}

const receiptColumns = `sequence, id, ts, action, actor, details, evidence_hash, outcome, severity, signature, requires_review, reviewed_at, reviewed_by`

func (s *SQLStore) Append(ctx context.Context, r *contracts.Receipt) (uint64, error) {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return 0, fmt.Errorf("%w: details: %w", contracts.ErrValidation, err)
	}

	query := `
		INSERT INTO receipts (id, ts, action, actor, details, evidence_hash, outcome, severity, signature, requires_review, reviewed_at, reviewed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING sequence`
	var seq int64
	err = s.db.QueryRowContext(ctx, query,
		r.ID, database.FormatTime(r.Timestamp), r.Action, r.Actor, string(details), r.EvidenceHash,
		string(r.Outcome), string(r.Severity), r.Signature, r.RequiresReview,
		database.FormatNullTime(r.ReviewedAt), nullString(r.ReviewedBy),
	).Scan(&seq)
	if err != nil {
		return 0, contracts.StorageError("append receipt", err)
	}
	return uint64(seq), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, contracts.StorageError("get receipt", err)
	}
	return r, nil
}

// buildQuery renders f as a parameterized SELECT.
func (s *SQLStore) buildQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Action != "" {
		if prefix, ok := f.actionPrefix(); ok {
			if prefix != "" {
				// substr keeps the comparison case-sensitive on SQLite, where LIKE is not.
				p := arg(prefix)
				where = append(where, fmt.Sprintf("substr(action, 1, %s) = %s", arg(utf8.RuneCountInString(prefix)), p))
			}
		} else {
			where = append(where, "action = "+arg(f.Action))
		}
	}
	if f.Actor != "" {
		where = append(where, "actor = "+arg(f.Actor))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(database.FormatTime(f.Since)))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < "+arg(database.FormatTime(f.Until)))
	}
	if f.RequiresReview != nil {
		where = append(where, "requires_review = "+arg(*f.RequiresReview))
	}

	var b strings.Builder
	b.WriteString("SELECT " + receiptColumns + " FROM receipts")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if f.Descending {
		b.WriteString(" ORDER BY sequence DESC")
	} else {
		b.WriteString(" ORDER BY sequence ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	return b.String(), args
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*contracts.Receipt, error) {
	query, args := s.buildQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.StorageError("query receipts", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, contracts.StorageError("scan receipt", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StorageError("query receipts", err)
	}
	return out, nil
}

func (s *SQLStore) MarkReviewed(ctx context.Context, id, reviewer string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET requires_review = $1, reviewed_at = $2, reviewed_by = $3 WHERE id = $4 AND reviewed_at IS NULL`,
		false, database.FormatTime(at), reviewer, id,
	)
	if err != nil {
		return contracts.StorageError("mark reviewed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.StorageError("mark reviewed", err)
	}
	if n == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("receipt %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return contracts.StorageError("mark reviewed", err)
	}
	return fmt.Errorf("%w: receipt %s already reviewed", contracts.ErrInvalidStateTransition, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r          contracts.Receipt
		seq        int64
		ts         string
		details    string
		outcome    string
		severity   string
		reviewedAt sql.NullString
		reviewedBy sql.NullString
	)
	err := row.Scan(&seq, &r.ID, &ts, &r.Action, &r.Actor, &details, &r.EvidenceHash,
		&outcome, &severity, &r.Signature, &r.RequiresReview, &reviewedAt, &reviewedBy)
	if err != nil {
		return nil, err
	}

	r.Sequence = uint64(seq)
	r.Outcome = contracts.Outcome(outcome)
	r.Severity = contracts.Severity(severity)
	r.ReviewedBy = reviewedBy.String
	if r.Timestamp, err = database.ParseTime(ts); err != nil {
		return nil, err
	}
	if r.ReviewedAt, err = database.ParseNullTime(reviewedAt); err != nil {
		return nil, err
	}

	// Numbers stay json.Number so re-hashing sees the stored digits.
	dec := json.NewDecoder(bytes.NewReader([]byte(details)))
	dec.UseNumber()
	if err := dec.Decode(&r.Details); err != nil {
		return nil, fmt.Errorf("decode details of %s: %w", r.ID, err)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
