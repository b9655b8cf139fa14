package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

const walletColumns = `
	id, currency, type, address, key_handle, balance, reserved, available,
	min_balance, max_balance, compromised, created_at, updated_at, deleted_at,
	version`

// CreateWallet inserts a wallet; available is derived.
func (s *Postgres) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Version = 1
	w.Available = w.Balance.Sub(w.Reserved)

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		w.ID, w.Currency, w.Type, w.Address, w.KeyHandle, w.Balance, w.Reserved,
		w.Available, w.MinBalance, w.MaxBalance, w.Compromised, w.CreatedAt,
		w.UpdatedAt, w.DeletedAt, w.Version)
	return wrapDBError("create wallet", err)
}

// GetWallet retrieves a wallet by ID.
func (s *Postgres) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	err := sqlx.GetContext(ctx, s.ext, &w, `
		SELECT `+walletColumns+` FROM wallets WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, wrapDBError("get wallet", err)
	}
	return &w, nil
}

// SelectWallet picks the eligible wallet with the most available balance
// covering amount. No wallet qualifying is a capacity condition, not an
// error of the obligation.
func (s *Postgres) SelectWallet(ctx context.Context, c currency.Currency, amount decimal.Decimal) (*model.Wallet, error) {
	var w model.Wallet
	err := sqlx.GetContext(ctx, s.ext, &w, `
		SELECT `+walletColumns+` FROM wallets
		WHERE currency = $1 AND compromised = FALSE AND deleted_at IS NULL
		  AND type IN ('HOT','POOL') AND available >= $2
		ORDER BY available DESC, created_at ASC
		LIMIT 1`, c, amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mixerr.Capacity("no wallet with sufficient available balance").
				WithDetail("currency", string(c)).WithDetail("amount", amount.String())
		}
		return nil, wrapDBError("select wallet", err)
	}
	return &w, nil
}

// ReserveWallet atomically moves amount from available to reserved. The
// available >= amount guard makes concurrent dispatchers safe.
func (s *Postgres) ReserveWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE wallets SET
			reserved = reserved + $2,
			available = balance - (reserved + $2),
			updated_at = $3,
			version = version + 1
		WHERE id = $1 AND deleted_at IS NULL AND compromised = FALSE
		  AND balance - reserved >= $2`,
		id, amount, time.Now().UTC())
	if err != nil {
		return wrapDBError("reserve wallet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mixerr.Transient("rows affected", err)
	}
	if n == 0 {
		return mixerr.Capacity("wallet reservation lost").WithDetail("wallet", id)
	}
	return nil
}

// ReleaseWallet returns a failed dispatch's reservation to available.
func (s *Postgres) ReleaseWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE wallets SET
			reserved = GREATEST(reserved - $2, 0),
			available = balance - GREATEST(reserved - $2, 0),
			updated_at = $3,
			version = version + 1
		WHERE id = $1 AND deleted_at IS NULL`,
		id, amount, time.Now().UTC())
	if err != nil {
		return wrapDBError("release wallet", err)
	}
	return guardAffected(res, "release wallet")
}

// ConsumeReservation settles a confirmed spend: balance and reserved both
// drop by amount, leaving available unchanged.
func (s *Postgres) ConsumeReservation(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE wallets SET
			balance = balance - $2,
			reserved = GREATEST(reserved - $2, 0),
			available = (balance - $2) - GREATEST(reserved - $2, 0),
			updated_at = $3,
			version = version + 1
		WHERE id = $1 AND deleted_at IS NULL AND reserved >= $2`,
		id, amount, time.Now().UTC())
	if err != nil {
		return wrapDBError("consume reservation", err)
	}
	return guardAffected(res, "consume reservation")
}

// CreditWallet adds inbound value to the balance.
func (s *Postgres) CreditWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE wallets SET
			balance = balance + $2,
			available = (balance + $2) - reserved,
			updated_at = $3,
			version = version + 1
		WHERE id = $1 AND deleted_at IS NULL`,
		id, amount, time.Now().UTC())
	if err != nil {
		return wrapDBError("credit wallet", err)
	}
	return guardAffected(res, "credit wallet")
}

// MarkWalletCompromised quarantines the wallet from selection.
func (s *Postgres) MarkWalletCompromised(ctx context.Context, id string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE wallets SET compromised = TRUE, updated_at = $2, version = version + 1
		WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return wrapDBError("mark wallet compromised", err)
	}
	return guardAffected(res, "mark wallet compromised")
}

// ListWallets lists a currency's wallets.
func (s *Postgres) ListWallets(ctx context.Context, c currency.Currency) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := sqlx.SelectContext(ctx, s.ext, &wallets, `
		SELECT `+walletColumns+` FROM wallets
		WHERE currency = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC`, c)
	if err != nil {
		return nil, wrapDBError("list wallets", err)
	}
	return wallets, nil
}
