package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/model"
)

const addressColumns = `
	id, request_id, currency, address, key_handle, derivation_path,
	derivation_index, used, first_used_at, expires_at, created_at, updated_at`

// CreateAddress inserts a deposit address. The unique index on (currency,
// address) rejects an address appearing on two requests.
func (s *Postgres) CreateAddress(ctx context.Context, addr *model.DepositAddress) error {
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	addr.CreatedAt = now
	addr.UpdatedAt = now

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO deposit_addresses (`+addressColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		addr.ID, addr.RequestID, addr.Currency, addr.Address, addr.KeyHandle,
		addr.DerivationPath, addr.DerivationIdx, addr.Used, addr.FirstUsedAt,
		addr.ExpiresAt, addr.CreatedAt, addr.UpdatedAt)
	return wrapDBError("create deposit address", err)
}

// GetAddressByRequest retrieves the request's deposit address.
func (s *Postgres) GetAddressByRequest(ctx context.Context, requestID string) (*model.DepositAddress, error) {
	var addr model.DepositAddress
	err := sqlx.GetContext(ctx, s.ext, &addr, `
		SELECT `+addressColumns+` FROM deposit_addresses WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, wrapDBError("get deposit address", err)
	}
	return &addr, nil
}

// GetAddress retrieves by (address, currency).
func (s *Postgres) GetAddress(ctx context.Context, address string, c currency.Currency) (*model.DepositAddress, error) {
	var addr model.DepositAddress
	err := sqlx.GetContext(ctx, s.ext, &addr, `
		SELECT `+addressColumns+` FROM deposit_addresses WHERE address = $1 AND currency = $2`,
		address, c)
	if err != nil {
		return nil, wrapDBError("get deposit address", err)
	}
	return &addr, nil
}

// MarkAddressUsed flips used=true and stamps first_used_at exactly once.
func (s *Postgres) MarkAddressUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE deposit_addresses SET used = TRUE,
			first_used_at = COALESCE(first_used_at, $2),
			updated_at = $3
		WHERE id = $1`,
		id, at.UTC(), time.Now().UTC())
	return wrapDBError("mark deposit address used", err)
}

// LiveAddressExists reports whether the address backs a non-terminal request.
func (s *Postgres) LiveAddressExists(ctx context.Context, address string, c currency.Currency) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.ext, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM deposit_addresses d
			JOIN mix_requests r ON r.id = d.request_id
			WHERE d.address = $1 AND d.currency = $2
			  AND r.deleted_at IS NULL
			  AND r.status NOT IN ('COMPLETED','FAILED','EXPIRED','CANCELLED')
		)`, address, c)
	if err != nil {
		return false, wrapDBError("check live address", err)
	}
	return exists, nil
}

// DecommissionAddress releases an expired address: the request no longer
// holds it and the key handle can be revoked.
func (s *Postgres) DecommissionAddress(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE deposit_addresses SET used = FALSE, expires_at = $2, updated_at = $2
		WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return wrapDBError("decommission deposit address", err)
	}
	return guardAffected(res, "decommission deposit address")
}
