package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// SQLStore keeps approval requests in the shared SQL database. Transitions
// are conditional updates on status, so concurrent deciders race in the
// database and exactly one wins.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var approvalSchema = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	estimated_cost BIGINT NOT NULL,
	justification TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	decided_at TEXT,
	decided_by TEXT,
	rejection_reason TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_status_created ON approval_requests (status, created_at)`,
}

func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range approvalSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init approval schema: %w", err)
		}
	}
	return nil
}

const approvalColumns = `id, actor, action, estimated_cost, justification, status, created_at, decided_at, decided_by, rejection_reason`

func (s *SQLStore) Create(ctx context.Context, req *contracts.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.Actor, req.Action, req.EstimatedCost, req.Justification, string(req.Status),
		database.FormatTime(req.CreatedAt), database.FormatNullTime(req.DecidedAt),
		nullString(req.DecidedBy), nullString(req.RejectionReason))
	if err != nil {
		return contracts.StorageError("create approval request", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, contracts.StorageError("get approval request", err)
	}
	return req, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, d contracts.ApprovalDecision) (*contracts.ApprovalRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, decided_at = $2, decided_by = $3, rejection_reason = $4
		WHERE id = $5 AND status = $6`,
		string(d.Status), database.FormatTime(d.DecidedAt), d.DecidedBy, nullString(d.Reason),
		id, string(contracts.ApprovalPending))
	if err != nil {
		return nil, contracts.StorageError("transition approval request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, contracts.StorageError("transition approval request", err)
	}

	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, invalidTransition(req)
	}
	return req, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_requests WHERE id = $1 AND status = $2`,
		id, string(contracts.ApprovalPending))
	if err != nil {
		return contracts.StorageError("delete approval request", err)
	}
	return s.checkUndo(ctx, res, id, "delete approval request")
}

func (s *SQLStore) Revert(ctx context.Context, id string, d contracts.ApprovalDecision) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, decided_at = NULL, decided_by = NULL, rejection_reason = NULL
		WHERE id = $2 AND status = $3 AND decided_by = $4`,
		string(contracts.ApprovalPending), id, string(d.Status), d.DecidedBy)
	if err != nil {
		return contracts.StorageError("revert approval request", err)
	}
	return s.checkUndo(ctx, res, id, "revert approval request")
}

// checkUndo maps an undo that touched no row to ErrNotFound or
// ErrInvalidStateTransition.
func (s *SQLStore) checkUndo(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.StorageError(op, err)
	}
	if n > 0 {
		return nil
	}
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(req)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*contracts.ApprovalRequest, error) {
	query, args := buildListQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.StorageError("list approval requests", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, contracts.StorageError("list approval requests", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StorageError("list approval requests", err)
	}
	return out, nil
}

func buildListQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Actor != "" {
		where = append(where, "actor = "+arg(f.Actor))
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(database.FormatTime(f.CreatedBefore)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + approvalColumns + " FROM approval_requests")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.ApprovalRequest, error) {
	var (
		req                        contracts.ApprovalRequest
		status, createdAt          string
		decidedAt                  sql.NullString
		decidedBy, rejectionReason sql.NullString
	)
	if err := row.Scan(&req.ID, &req.Actor, &req.Action, &req.EstimatedCost, &req.Justification,
		&status, &createdAt, &decidedAt, &decidedBy, &rejectionReason); err != nil {
		return nil, err
	}
	req.Status = contracts.ApprovalStatus(status)
	req.DecidedBy = decidedBy.String
	req.RejectionReason = rejectionReason.String

	var err error
	if req.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if req.DecidedAt, err = database.ParseNullTime(decidedAt); err != nil {
		return nil, err
	}
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
