package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

const watchColumns = `
	id, currency, address, request_id, kind, tx_id, expected_amount, detected,
	check_interval_minutes, last_checked_at, expires_at, created_at, updated_at`

// CreateWatchpoint registers a monitored address or transaction.
func (s *Postgres) CreateWatchpoint(ctx context.Context, w *model.Watchpoint) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.CheckIntervalMinutes < 1 {
		w.CheckIntervalMinutes = 5
	}
	if w.CheckIntervalMinutes > 1440 {
		w.CheckIntervalMinutes = 1440
	}

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO monitored_addresses (`+watchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		w.ID, w.Currency, w.Address, w.RequestID, w.Kind, w.TxID, w.ExpectedAmount,
		w.Detected, w.CheckIntervalMinutes, w.LastCheckedAt, w.ExpiresAt,
		w.CreatedAt, w.UpdatedAt)
	return wrapDBError("create watchpoint", err)
}

// ListDueWatchpoints returns undetected, unexpired watchpoints whose check
// interval has elapsed.
func (s *Postgres) ListDueWatchpoints(ctx context.Context, c currency.Currency, kind model.WatchKind, now time.Time, limit int) ([]*model.Watchpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	var points []*model.Watchpoint
	err := sqlx.SelectContext(ctx, s.ext, &points, `
		SELECT `+watchColumns+` FROM monitored_addresses
		WHERE currency = $1 AND kind = $2 AND detected = FALSE AND expires_at > $3
		  AND (last_checked_at IS NULL
		       OR last_checked_at + make_interval(mins => check_interval_minutes) <= $3)
		ORDER BY last_checked_at ASC NULLS FIRST
		LIMIT $4`, c, kind, now.UTC(), limit)
	if err != nil {
		return nil, wrapDBError("list due watchpoints", err)
	}
	return points, nil
}

// ListExpiredWatchpoints returns undetected watchpoints past expiry.
func (s *Postgres) ListExpiredWatchpoints(ctx context.Context, c currency.Currency, now time.Time, limit int) ([]*model.Watchpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	var points []*model.Watchpoint
	err := sqlx.SelectContext(ctx, s.ext, &points, `
		SELECT `+watchColumns+` FROM monitored_addresses
		WHERE currency = $1 AND detected = FALSE AND expires_at <= $2
		ORDER BY expires_at ASC LIMIT $3`, c, now.UTC(), limit)
	if err != nil {
		return nil, wrapDBError("list expired watchpoints", err)
	}
	return points, nil
}

// MarkWatchpointDetected retires a watchpoint with a compare-and-set on
// detected=false. Racing retirements settle on the first writer; the loser
// gets false.
func (s *Postgres) MarkWatchpointDetected(ctx context.Context, id string, txID string) (bool, error) {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE monitored_addresses SET detected = TRUE, tx_id = $2, updated_at = $3
		WHERE id = $1 AND detected = FALSE`,
		id, txID, time.Now().UTC())
	if err != nil {
		return false, wrapDBError("mark watchpoint detected", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mixerr.Transient("rows affected", err)
	}
	return n > 0, nil
}

// TouchWatchpoint stamps the last check time.
func (s *Postgres) TouchWatchpoint(ctx context.Context, id string, at time.Time) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE monitored_addresses SET last_checked_at = $2, updated_at = $2 WHERE id = $1`,
		id, at.UTC())
	return wrapDBError("touch watchpoint", err)
}

// DeleteWatchpoint removes a watchpoint. Deleting an absent row is a no-op,
// making retirement idempotent.
func (s *Postgres) DeleteWatchpoint(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `DELETE FROM monitored_addresses WHERE id = $1`, id)
	return wrapDBError("delete watchpoint", err)
}

// GetWatchpointByRequest finds a request's watchpoint of the given kind.
func (s *Postgres) GetWatchpointByRequest(ctx context.Context, requestID string, kind model.WatchKind) (*model.Watchpoint, error) {
	var w model.Watchpoint
	err := sqlx.GetContext(ctx, s.ext, &w, `
		SELECT `+watchColumns+` FROM monitored_addresses
		WHERE request_id = $1 AND kind = $2
		ORDER BY created_at DESC LIMIT 1`, requestID, kind)
	if err != nil {
		return nil, wrapDBError("get watchpoint", err)
	}
	return &w, nil
}
