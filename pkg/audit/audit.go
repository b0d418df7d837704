package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"toolgate/pkg/models"
)

// Outcomes recorded next to each decision.
const (
	OutcomeDenied     = "denied"
	OutcomeAuthorized = "authorized"
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one row of tool_decisions.
type Record struct {
	DecisionID          string          `json:"decision_id"`
	Tenant              string          `json:"tenant"`
	ActorIDHash         string          `json:"actor_id_hash"`
	Tool                string          `json:"tool"`
	Allowed             bool            `json:"allowed"`
	Reason              string          `json:"reason"`
	Outcome             string          `json:"outcome"`
	RequiredPermissions []string        `json:"required_permissions"`
	MissingPermissions  json.RawMessage `json:"missing_permissions,omitempty"`
	RateLimit           json.RawMessage `json:"rate_limit,omitempty"`
	DurationMS          int64           `json:"duration_ms"`
	CreatedAt           time.Time       `json:"created_at"`
}

// NewRecord flattens a decision. The actor column holds the raw user id until
// redaction replaces it.
func NewRecord(d models.Decision, outcome string, took time.Duration) (Record, error) {
	rec := Record{
		DecisionID:          d.DecisionID,
		Tenant:              d.Tenant,
		ActorIDHash:         d.UserID,
		Tool:                d.Tool,
		Allowed:             d.Allowed,
		Reason:              d.Reason,
		Outcome:             outcome,
		RequiredPermissions: d.RequiredPermissions,
		DurationMS:          took.Milliseconds(),
		CreatedAt:           d.EvaluatedAt,
	}
	if rec.RequiredPermissions == nil {
		rec.RequiredPermissions = []string{}
	}
	if len(d.MissingPermissions) > 0 {
		raw, err := json.Marshal(d.MissingPermissions)
		if err != nil {
			return Record{}, fmt.Errorf("encode missing permissions: %w", err)
		}
		rec.MissingPermissions = raw
	}
	if d.RateLimit != nil {
		raw, err := json.Marshal(d.RateLimit)
		if err != nil {
			return Record{}, fmt.Errorf("encode rate limit: %w", err)
		}
		rec.RateLimit = raw
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec, nil
}

func (w *Writer) Append(ctx context.Context, d models.Decision, outcome string, took time.Duration) error {
	rec, err := NewRecord(d, outcome, took)
	if err != nil {
		return err
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO tool_decisions
		(decision_id, tenant, actor_id_hash, tool, allowed, reason, outcome, required_permissions, missing_permissions, rate_limit, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.DecisionID, rec.Tenant, rec.ActorIDHash, rec.Tool, rec.Allowed, rec.Reason, rec.Outcome,
		rec.RequiredPermissions, nullableJSON(rec.MissingPermissions), nullableJSON(rec.RateLimit), rec.DurationMS, rec.CreatedAt)
	return err
}

const selectColumns = `decision_id, tenant, actor_id_hash, tool, allowed, reason, outcome, required_permissions, missing_permissions, rate_limit, duration_ms, created_at`

func (w *Writer) Get(ctx context.Context, decisionID, tenant string) (Record, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM tool_decisions WHERE tenant=$1 AND decision_id=$2`, tenant, decisionID)
	return scanRecord(row)
}

// Query filters List. Empty fields match everything except Tenant, which is
// always applied.
type Query struct {
	Tenant string
	UserID string
	Tool   string
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns the newest decisions first.
func (w *Writer) List(ctx context.Context, q Query) ([]Record, error) {
	where := []string{"tenant=$1"}
	args := []any{q.Tenant}
	if q.UserID != "" {
		actor := q.UserID
		if w.Redact {
			actor = hashString(actor, w.HashSalt)
		}
		args = append(args, actor)
		where = append(where, fmt.Sprintf("actor_id_hash=$%d", len(args)))
	}
	if q.Tool != "" {
		args = append(args, q.Tool)
		where = append(where, fmt.Sprintf("tool=$%d", len(args)))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT %s FROM tool_decisions WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		selectColumns, strings.Join(where, " AND "), len(args))

	rows, err := w.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var missing, rate []byte
	if err := row.Scan(&rec.DecisionID, &rec.Tenant, &rec.ActorIDHash, &rec.Tool, &rec.Allowed, &rec.Reason, &rec.Outcome,
		&rec.RequiredPermissions, &missing, &rate, &rec.DurationMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if len(missing) > 0 {
		rec.MissingPermissions = missing
	}
	if len(rate) > 0 {
		rec.RateLimit = rate
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
