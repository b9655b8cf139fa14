package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

type requestRow struct {
	model.MixRequest
	OutputsJSON []byte `db:"outputs"`
}

func (r *requestRow) toModel() (*model.MixRequest, error) {
	req := r.MixRequest
	if len(r.OutputsJSON) > 0 {
		if err := json.Unmarshal(r.OutputsJSON, &req.Outputs); err != nil {
			return nil, mixerr.Permanent("decode output configuration", err)
		}
	}
	return &req, nil
}

const requestColumns = `
	id, session_id, currency, amount, fee_percentage, fee_amount, output_amount,
	total_amount, status, deposit_address_id, deposit_address, deposit_tx_id,
	outputs, delay_hours, anonymity_set_target, risk_score, pool_id,
	encrypted_metadata, key_version, expires_at, completed_at, created_at,
	updated_at, deleted_at, version`

// CreateRequest inserts a new mix request. total_amount is derived here the
// way the original schema hooks did: input plus the fee on top.
func (s *Postgres) CreateRequest(ctx context.Context, req *model.MixRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Version = 1
	req.TotalAmount = currency.Round(req.Currency, req.Amount.Add(req.FeeAmount))

	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return mixerr.Validation("unencodable output configuration")
	}

	_, err = s.ext.ExecContext(ctx, `
		INSERT INTO mix_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		req.ID, req.SessionID, req.Currency, req.Amount, req.FeePercentage, req.FeeAmount,
		req.OutputAmount, req.TotalAmount, req.Status, req.DepositAddressID, req.DepositAddress,
		req.DepositTxID, outputs, req.DelayHours, req.AnonymitySetTarget, req.RiskScore,
		req.PoolID, req.EncryptedMetadata, req.KeyVersion, req.ExpiresAt, req.CompletedAt,
		req.CreatedAt, req.UpdatedAt, req.DeletedAt, req.Version)
	return wrapDBError("create mix request", err)
}

func (s *Postgres) getRequestWhere(ctx context.Context, where string, args ...interface{}) (*model.MixRequest, error) {
	var row requestRow
	query := `SELECT ` + requestColumns + ` FROM mix_requests WHERE deleted_at IS NULL AND ` + where
	if err := sqlx.GetContext(ctx, s.ext, &row, query, args...); err != nil {
		return nil, wrapDBError("get mix request", err)
	}
	return row.toModel()
}

// GetRequest retrieves a request by ID.
func (s *Postgres) GetRequest(ctx context.Context, id string) (*model.MixRequest, error) {
	return s.getRequestWhere(ctx, `id = $1`, id)
}

// GetRequestBySession retrieves a request by its client session ID.
func (s *Postgres) GetRequestBySession(ctx context.Context, sessionID string) (*model.MixRequest, error) {
	return s.getRequestWhere(ctx, `session_id = $1`, sessionID)
}

// UpdateRequest persists the request, recomputing total_amount and bumping
// the optimistic version.
func (s *Postgres) UpdateRequest(ctx context.Context, req *model.MixRequest) error {
	req.UpdatedAt = time.Now().UTC()
	req.TotalAmount = currency.Round(req.Currency, req.Amount.Add(req.FeeAmount))

	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return mixerr.Validation("unencodable output configuration")
	}

	res, err := s.ext.ExecContext(ctx, `
		UPDATE mix_requests SET
			amount = $3, fee_percentage = $4, fee_amount = $5, output_amount = $6,
			total_amount = $7, status = $8, deposit_address_id = $9, deposit_address = $10,
			deposit_tx_id = $11, outputs = $12, delay_hours = $13, anonymity_set_target = $14,
			risk_score = $15, pool_id = $16, encrypted_metadata = $17, key_version = $18,
			expires_at = $19, completed_at = $20, updated_at = $21, version = version + 1
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
		req.ID, req.Version, req.Amount, req.FeePercentage, req.FeeAmount, req.OutputAmount,
		req.TotalAmount, req.Status, req.DepositAddressID, req.DepositAddress, req.DepositTxID,
		outputs, req.DelayHours, req.AnonymitySetTarget, req.RiskScore, req.PoolID,
		req.EncryptedMetadata, req.KeyVersion, req.ExpiresAt, req.CompletedAt, req.UpdatedAt)
	if err != nil {
		return wrapDBError("update mix request", err)
	}
	if err := guardAffected(res, "update mix request"); err != nil {
		return err
	}
	req.Version++
	return nil
}

// TransitionRequest is the status-guarded edge persist: it succeeds only when
// the row is still in from.
func (s *Postgres) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) error {
	now := time.Now().UTC()
	res, err := s.ext.ExecContext(ctx, `
		UPDATE mix_requests SET
			status = $3,
			completed_at = CASE WHEN $3 = 'COMPLETED' THEN $4 ELSE completed_at END,
			updated_at = $4,
			version = version + 1
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`,
		id, from, to, now)
	if err != nil {
		return wrapDBError("transition mix request", err)
	}
	return guardAffected(res, "transition mix request")
}

func (s *Postgres) listRequestsWhere(ctx context.Context, where string, args ...interface{}) ([]*model.MixRequest, error) {
	var rows []requestRow
	query := `SELECT ` + requestColumns + ` FROM mix_requests WHERE deleted_at IS NULL AND ` + where
	if err := sqlx.SelectContext(ctx, s.ext, &rows, query, args...); err != nil {
		return nil, wrapDBError("list mix requests", err)
	}
	out := make([]*model.MixRequest, 0, len(rows))
	for i := range rows {
		req, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ListRequestsByStatus lists requests of one currency and status, oldest
// first.
func (s *Postgres) ListRequestsByStatus(ctx context.Context, c currency.Currency, status model.RequestStatus, limit int) ([]*model.MixRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listRequestsWhere(ctx,
		`currency = $1 AND status = $2 ORDER BY created_at ASC LIMIT $3`, c, status, limit)
}

// ListRequestsByPool lists the cohort admitted into one pool.
func (s *Postgres) ListRequestsByPool(ctx context.Context, poolID string) ([]*model.MixRequest, error) {
	return s.listRequestsWhere(ctx, `pool_id = $1 ORDER BY created_at ASC`, poolID)
}

// ListUnpooledRequests lists PROCESSING requests awaiting pool admission.
func (s *Postgres) ListUnpooledRequests(ctx context.Context, limit int) ([]*model.MixRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listRequestsWhere(ctx,
		`status = 'PROCESSING' AND pool_id = '' ORDER BY created_at ASC LIMIT $1`, limit)
}

// ListExpiredRequests lists PENDING requests past expiry.
func (s *Postgres) ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*model.MixRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listRequestsWhere(ctx,
		`status = 'PENDING' AND expires_at < $1 ORDER BY expires_at ASC LIMIT $2`, before, limit)
}

// ListRequestsBelowKeyVersion pages records needing envelope re-encryption.
func (s *Postgres) ListRequestsBelowKeyVersion(ctx context.Context, version int, limit int) ([]*model.MixRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listRequestsWhere(ctx,
		`key_version < $1 AND encrypted_metadata IS NOT NULL
		 ORDER BY key_version ASC, created_at ASC LIMIT $2`, version, limit)
}

// SoftDeleteRequest hides the request from all normal queries.
func (s *Postgres) SoftDeleteRequest(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE mix_requests SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return wrapDBError("soft delete mix request", err)
	}
	return guardAffected(res, "soft delete mix request")
}

// CountRequestsByStatus returns aggregate counts for stats reporting.
func (s *Postgres) CountRequestsByStatus(ctx context.Context) (map[model.RequestStatus]int64, error) {
	rows, err := s.ext.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM mix_requests WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("count mix requests", err)
	}
	defer rows.Close()

	counts := make(map[model.RequestStatus]int64)
	for rows.Next() {
		var status model.RequestStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError("scan request counts", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
