package audit

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
)

// PostgresSink appends events to the audit_log table.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink creates the sink.
func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Append inserts one event. Rows are never updated or deleted.
func (s *PostgresSink) Append(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	before := e.Before
	if len(before) == 0 {
		before = nil
	}
	after := e.After
	if len(after) == 0 {
		after = nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, event_type, severity, status, actor, session_id, request_id,
			 duration_ms, payload, before_state, after_state, integrity_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.Type, e.Severity, e.Status, e.Actor, e.SessionID, e.RequestID,
		e.Duration.Milliseconds(), payload, before, after, e.Hash, e.CreatedAt)
	return err
}
