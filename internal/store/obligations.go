package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/model"
)

const obligationColumns = `
	id, request_id, currency, from_wallet_id, from_address, to_address, amount,
	percentage, status, scheduled_at, broadcast_tx_id, block_height,
	confirmations, required_confirmations, use_instant_send, shielded,
	retry_count, max_retries, priority, output_index, total_outputs, last_error,
	confirmed_at, created_at, updated_at, deleted_at, version`

// CreateObligations inserts the obligations of one settlement atomically.
func (s *Postgres) CreateObligations(ctx context.Context, obs []*model.OutputObligation) error {
	now := time.Now().UTC()
	for _, ob := range obs {
		if ob.ID == "" {
			ob.ID = uuid.NewString()
		}
		ob.CreatedAt = now
		ob.UpdatedAt = now
		ob.Version = 1
		_, err := s.ext.ExecContext(ctx, `
			INSERT INTO output_transactions (`+obligationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
			ob.ID, ob.RequestID, ob.Currency, ob.FromWalletID, ob.FromAddress, ob.ToAddress,
			ob.Amount, ob.Percentage, ob.Status, ob.ScheduledAt, ob.BroadcastTxID, ob.BlockHeight,
			ob.Confirmations, ob.RequiredConfs, ob.UseInstantSend, ob.Shielded, ob.RetryCount,
			ob.MaxRetries, ob.Priority, ob.OutputIndex, ob.TotalOutputs, ob.LastError,
			ob.ConfirmedAt, ob.CreatedAt, ob.UpdatedAt, ob.DeletedAt, ob.Version)
		if err != nil {
			return wrapDBError("create obligation", err)
		}
	}
	return nil
}

// GetObligation retrieves an obligation by ID.
func (s *Postgres) GetObligation(ctx context.Context, id string) (*model.OutputObligation, error) {
	var ob model.OutputObligation
	err := sqlx.GetContext(ctx, s.ext, &ob, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, wrapDBError("get obligation", err)
	}
	return &ob, nil
}

// GetObligationByTxID finds the obligation that broadcast a transaction.
func (s *Postgres) GetObligationByTxID(ctx context.Context, c currency.Currency, txID string) (*model.OutputObligation, error) {
	var ob model.OutputObligation
	err := sqlx.GetContext(ctx, s.ext, &ob, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE currency = $1 AND broadcast_tx_id = $2 AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT 1`, c, txID)
	if err != nil {
		return nil, wrapDBError("get obligation by txid", err)
	}
	return &ob, nil
}

// UpdateObligation persists the obligation under the optimistic version
// counter.
func (s *Postgres) UpdateObligation(ctx context.Context, ob *model.OutputObligation) error {
	ob.UpdatedAt = time.Now().UTC()
	res, err := s.ext.ExecContext(ctx, `
		UPDATE output_transactions SET
			from_wallet_id = $3, from_address = $4, status = $5, scheduled_at = $6,
			broadcast_tx_id = $7, block_height = $8, confirmations = $9,
			required_confirmations = $10, retry_count = $11, priority = $12,
			last_error = $13, confirmed_at = $14, updated_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
		ob.ID, ob.Version, ob.FromWalletID, ob.FromAddress, ob.Status, ob.ScheduledAt,
		ob.BroadcastTxID, ob.BlockHeight, ob.Confirmations, ob.RequiredConfs,
		ob.RetryCount, ob.Priority, ob.LastError, ob.ConfirmedAt, ob.UpdatedAt)
	if err != nil {
		return wrapDBError("update obligation", err)
	}
	if err := guardAffected(res, "update obligation"); err != nil {
		return err
	}
	ob.Version++
	return nil
}

// ListDueObligations selects dispatchable work ordered by priority then age.
func (s *Postgres) ListDueObligations(ctx context.Context, now time.Time, limit int) ([]*model.OutputObligation, error) {
	if limit <= 0 {
		limit = 25
	}
	var obs []*model.OutputObligation
	err := sqlx.SelectContext(ctx, s.ext, &obs, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE status = 'PENDING' AND scheduled_at <= $1
		  AND retry_count < max_retries AND deleted_at IS NULL
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, wrapDBError("list due obligations", err)
	}
	return obs, nil
}

// ListObligationsByRequest lists a request's obligations in output order.
func (s *Postgres) ListObligationsByRequest(ctx context.Context, requestID string) ([]*model.OutputObligation, error) {
	var obs []*model.OutputObligation
	err := sqlx.SelectContext(ctx, s.ext, &obs, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE request_id = $1 AND deleted_at IS NULL
		ORDER BY output_index ASC`, requestID)
	if err != nil {
		return nil, wrapDBError("list obligations", err)
	}
	return obs, nil
}

// ListObligationsInFlight lists broadcast obligations awaiting confirmation.
func (s *Postgres) ListObligationsInFlight(ctx context.Context, limit int) ([]*model.OutputObligation, error) {
	if limit <= 0 {
		limit = 100
	}
	var obs []*model.OutputObligation
	err := sqlx.SelectContext(ctx, s.ext, &obs, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE status IN ('BROADCASTING','MEMPOOL') AND deleted_at IS NULL
		ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapDBError("list in-flight obligations", err)
	}
	return obs, nil
}

// ListOverdueObligations lists unconfirmed obligations whose schedule passed
// threshold ago.
func (s *Postgres) ListOverdueObligations(ctx context.Context, threshold time.Time, limit int) ([]*model.OutputObligation, error) {
	if limit <= 0 {
		limit = 100
	}
	var obs []*model.OutputObligation
	err := sqlx.SelectContext(ctx, s.ext, &obs, `
		SELECT `+obligationColumns+` FROM output_transactions
		WHERE status NOT IN ('CONFIRMED','FAILED') AND scheduled_at < $1
		  AND deleted_at IS NULL
		ORDER BY scheduled_at ASC LIMIT $2`, threshold.UTC(), limit)
	if err != nil {
		return nil, wrapDBError("list overdue obligations", err)
	}
	return obs, nil
}

// CountUnconfirmedObligations counts a request's obligations not yet
// CONFIRMED.
func (s *Postgres) CountUnconfirmedObligations(ctx context.Context, requestID string) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, s.ext, &n, `
		SELECT COUNT(*) FROM output_transactions
		WHERE request_id = $1 AND status <> 'CONFIRMED' AND deleted_at IS NULL`, requestID)
	if err != nil {
		return 0, wrapDBError("count unconfirmed obligations", err)
	}
	return n, nil
}
