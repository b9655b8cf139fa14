package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock")), mock
}

func TestTransitionRequestStatusGuard(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE mix_requests SET`).
		WithArgs("req-1", "PENDING", "PROCESSING", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.TransitionRequest(ctx, "req-1",
		model.RequestStatusPending, model.RequestStatusProcessing))

	// Guard lost: zero rows is a consistency error.
	mock.ExpectExec(`UPDATE mix_requests SET`).
		WithArgs("req-1", "PENDING", "PROCESSING", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := st.TransitionRequest(ctx, "req-1",
		model.RequestStatusPending, model.RequestStatusProcessing)
	assert.True(t, mixerr.IsConsistency(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveWalletGuard(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	amount := decimal.RequireFromString("0.5")

	mock.ExpectExec(`UPDATE wallets SET`).
		WithArgs("w-1", amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.ReserveWallet(ctx, "w-1", amount))

	// Insufficient available balance shows up as zero rows: capacity.
	mock.ExpectExec(`UPDATE wallets SET`).
		WithArgs("w-1", amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := st.ReserveWallet(ctx, "w-1", amount)
	assert.True(t, mixerr.IsCapacity(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectWalletCapacity(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)+FROM wallets`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := st.SelectWallet(ctx, currency.BTC, decimal.NewFromInt(1))
	assert.True(t, mixerr.IsCapacity(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueObligationsPredicate(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "request_id", "currency", "from_wallet_id", "from_address", "to_address",
		"amount", "percentage", "status", "scheduled_at", "broadcast_tx_id", "block_height",
		"confirmations", "required_confirmations", "use_instant_send", "shielded",
		"retry_count", "max_retries", "priority", "output_index", "total_outputs",
		"last_error", "confirmed_at", "created_at", "updated_at", "deleted_at", "version",
	}).AddRow(
		"ob-1", "req-1", "BTC", "", "", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"0.4975", "100", "PENDING", now, "", 0,
		0, 3, false, false,
		0, 3, 0, 0, 1,
		"", nil, now, now, nil, 1,
	)

	mock.ExpectQuery(`SELECT(.|\n)+FROM output_transactions(.|\n)+status = 'PENDING'(.|\n)+ORDER BY priority DESC, scheduled_at ASC`).
		WithArgs(sqlmock.AnyArg(), 25).
		WillReturnRows(rows)

	obs, err := st.ListDueObligations(ctx, now, 25)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "ob-1", obs[0].ID)
	assert.True(t, obs[0].Amount.Equal(decimal.RequireFromString("0.4975")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInjectReorgReturnsReopenedTxIDs(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE blockchain_transactions SET(.|\n)+RETURNING tx_id`).
		WithArgs("BTC", uint64(850000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).
			AddRow("tx-a").AddRow("tx-b"))

	txIDs, err := st.InjectReorg(ctx, currency.BTC, 850000)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-a", "tx-b"}, txIDs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequestDerivesTotal(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	req := &model.MixRequest{
		SessionID:     "sqlmock-session-001",
		Currency:      currency.BTC,
		Amount:        decimal.RequireFromString("0.5"),
		FeePercentage: decimal.RequireFromString("0.5"),
		FeeAmount:     decimal.RequireFromString("0.0025"),
		OutputAmount:  decimal.RequireFromString("0.4975"),
		Status:        model.RequestStatusPending,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}

	mock.ExpectExec(`INSERT INTO mix_requests`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, st.CreateRequest(ctx, req))
	assert.NotEmpty(t, req.ID)
	assert.True(t, req.TotalAmount.Equal(decimal.RequireFromString("0.5025")))

	assert.NoError(t, mock.ExpectationsWereMet())
}
