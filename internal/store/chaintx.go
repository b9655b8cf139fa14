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

type chainTxRow struct {
	model.ObservedChainTx
	InputsJSON  []byte `db:"inputs"`
	OutputsJSON []byte `db:"outputs"`
}

func (r *chainTxRow) toModel() (*model.ObservedChainTx, error) {
	tx := r.ObservedChainTx
	if len(r.InputsJSON) > 0 {
		if err := json.Unmarshal(r.InputsJSON, &tx.Inputs); err != nil {
			return nil, mixerr.Permanent("decode tx inputs", err)
		}
	}
	if len(r.OutputsJSON) > 0 {
		if err := json.Unmarshal(r.OutputsJSON, &tx.Outputs); err != nil {
			return nil, mixerr.Permanent("decode tx outputs", err)
		}
	}
	return &tx, nil
}

const chainTxColumns = `
	id, tx_id, currency, request_id, type, amount, fee, from_address, to_address,
	inputs, outputs, block_height, block_hash, confirmations, confirmed, failed,
	instant_locked, last_checked_at, check_count, retry_count, created_at, updated_at`

// UpsertChainTx inserts or refreshes the (currency, tx_id) record. The
// confirmed flag is monotonic here: only InjectReorg downgrades it.
func (s *Postgres) UpsertChainTx(ctx context.Context, tx *model.ObservedChainTx) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if tx.LastCheckedAt.IsZero() {
		tx.LastCheckedAt = now
	}

	inputs, err := json.Marshal(tx.Inputs)
	if err != nil {
		return mixerr.Validation("unencodable tx inputs")
	}
	outputs, err := json.Marshal(tx.Outputs)
	if err != nil {
		return mixerr.Validation("unencodable tx outputs")
	}

	_, err = s.ext.ExecContext(ctx, `
		INSERT INTO blockchain_transactions (`+chainTxColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1,$19,$20,$20)
		ON CONFLICT (currency, tx_id) DO UPDATE SET
			request_id = COALESCE(NULLIF(EXCLUDED.request_id, ''), blockchain_transactions.request_id),
			amount = EXCLUDED.amount,
			fee = EXCLUDED.fee,
			block_height = EXCLUDED.block_height,
			block_hash = EXCLUDED.block_hash,
			confirmations = GREATEST(blockchain_transactions.confirmations, EXCLUDED.confirmations),
			confirmed = blockchain_transactions.confirmed OR EXCLUDED.confirmed,
			failed = EXCLUDED.failed,
			instant_locked = blockchain_transactions.instant_locked OR EXCLUDED.instant_locked,
			last_checked_at = EXCLUDED.last_checked_at,
			check_count = blockchain_transactions.check_count + 1,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at`,
		tx.ID, tx.TxID, tx.Currency, tx.RequestID, tx.Type, tx.Amount, tx.Fee,
		tx.FromAddress, tx.ToAddress, inputs, outputs, tx.BlockHeight, tx.BlockHash,
		tx.Confirmations, tx.Confirmed, tx.Failed, tx.InstantLocked, tx.LastCheckedAt,
		tx.RetryCount, now)
	return wrapDBError("upsert chain tx", err)
}

// GetChainTx retrieves the record for (currency, tx_id).
func (s *Postgres) GetChainTx(ctx context.Context, c currency.Currency, txID string) (*model.ObservedChainTx, error) {
	var row chainTxRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT `+chainTxColumns+` FROM blockchain_transactions
		WHERE currency = $1 AND tx_id = $2`, c, txID)
	if err != nil {
		return nil, wrapDBError("get chain tx", err)
	}
	return row.toModel()
}

// InjectReorg explicitly downgrades confirmed records at or above height and
// returns the tx ids that were reopened.
func (s *Postgres) InjectReorg(ctx context.Context, c currency.Currency, height uint64) ([]string, error) {
	rows, err := s.ext.QueryxContext(ctx, `
		UPDATE blockchain_transactions SET
			confirmed = FALSE, confirmations = 0, updated_at = $3
		WHERE currency = $1 AND confirmed = TRUE AND block_height >= $2
		RETURNING tx_id`,
		c, height, time.Now().UTC())
	if err != nil {
		return nil, wrapDBError("inject reorg", err)
	}
	defer rows.Close()

	var txIDs []string
	for rows.Next() {
		var txID string
		if err := rows.Scan(&txID); err != nil {
			return nil, mixerr.Transient("scan reorged tx", err)
		}
		txIDs = append(txIDs, txID)
	}
	return txIDs, rows.Err()
}
