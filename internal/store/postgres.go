package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// Postgres implements Store over PostgreSQL.
type Postgres struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// NewPostgres creates the repository set on an open connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, ext: db}
}

// WithinTx runs fn inside one database transaction. The nested Store shares
// the transaction; errors roll back.
func (s *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.db == nil {
		// Already inside a transaction scope.
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mixerr.Transient("begin transaction", err)
	}
	nested := &Postgres{ext: tx}
	if err := fn(ctx, nested); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mixerr.Transient("commit transaction", err)
	}
	return nil
}

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

// wrapDBError classifies a database error for the retry policy.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return mixerr.NotFound("row", op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return mixerr.Consistency("unique constraint violated", err).WithDetail("operation", op)
	}
	return mixerr.Transient(fmt.Sprintf("database %s", op), err)
}

// guardAffected turns a zero-row guarded update into a consistency error.
func guardAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mixerr.Transient("rows affected", err)
	}
	if n == 0 {
		return mixerr.Consistency(op+" lost optimistic guard", nil)
	}
	return nil
}
