package engine

import (
	"context"
	"time"

	"github.com/coinblend/mixcore/internal/audit"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// MaintainPools expires stale FILLING pools, releases their members for a
// different pool and recreates default pools for currencies left without an
// active one.
func (e *Engine) MaintainPools(ctx context.Context) error {
	timeout := time.Duration(e.cfg.PoolTimeoutHours) * time.Hour
	if timeout <= 0 {
		timeout = 12 * time.Hour
	}

	cancelled, err := e.pools.ExpireStale(ctx, timeout)
	if err != nil {
		return err
	}
	for _, poolID := range cancelled {
		members, err := e.store.ListRequestsByPool(ctx, poolID)
		if err != nil {
			continue
		}
		for _, req := range members {
			if req.Status != model.RequestStatusProcessing {
				continue
			}
			req.PoolID = ""
			if err := e.store.UpdateRequest(ctx, req); err != nil {
				e.log.WithError(err).WithField("request_id", req.ID).Warn("releasing pool member failed")
			}
		}
		e.log.WithField("pool_id", poolID).Info("stale pool expired")
	}

	return e.pools.EnsureDefaultPools(ctx)
}

// HandleReorg is the explicit reorg injection path: chain-tx records at or
// above height lose their confirmed status, and the obligations that
// broadcast them reopen from CONFIRMED to MEMPOOL. Each reopened obligation
// gets its wallet reservation reasserted and confirmation tracking resumed.
// It returns how many obligations were reopened.
func (e *Engine) HandleReorg(ctx context.Context, c currency.Currency, height uint64) (int, error) {
	txIDs, err := e.store.InjectReorg(ctx, c, height)
	if err != nil {
		return 0, err
	}

	reopened := 0
	for _, txID := range txIDs {
		ob, err := e.store.GetObligationByTxID(ctx, c, txID)
		if err != nil {
			if mixerr.IsNotFound(err) {
				continue // a deposit or foreign transaction
			}
			return reopened, err
		}
		if ob.Status != model.ObligationStatusConfirmed {
			continue
		}

		ob.Status = model.ObligationStatusMempool
		ob.Confirmations = 0
		ob.ConfirmedAt = nil
		if err := e.store.UpdateObligation(ctx, ob); err != nil {
			e.log.WithError(err).WithField("obligation_id", ob.ID).Warn("reorg reopen failed")
			continue
		}
		if ob.FromWalletID != "" {
			if err := e.pools.ReassertReservation(ctx, ob.FromWalletID, ob.Amount); err != nil {
				e.log.WithError(err).WithField("wallet_id", ob.FromWalletID).
					Error("reservation reassert failed")
			}
		}
		// Resume confirmation tracking; the watchpoint was retired when the
		// obligation first confirmed.
		_ = e.store.CreateWatchpoint(ctx, &model.Watchpoint{
			Currency:             c,
			Address:              ob.ToAddress,
			RequestID:            ob.RequestID,
			Kind:                 model.WatchOutput,
			TxID:                 ob.BroadcastTxID,
			ExpectedAmount:       ob.Amount,
			CheckIntervalMinutes: 1,
			ExpiresAt:            time.Now().UTC().Add(7 * 24 * time.Hour),
		})
		reopened++

		e.audit.Emit(ctx, audit.Event{
			Type:      audit.EventBlockchain,
			Severity:  audit.SeverityWarning,
			Status:    audit.StatusPending,
			RequestID: ob.RequestID,
			Payload: map[string]interface{}{
				"reason":        "reorg",
				"currency":      string(c),
				"height":        height,
				"tx_id":         txID,
				"obligation_id": ob.ID,
			},
		})
	}

	if len(txIDs) > 0 {
		e.log.WithField("currency", string(c)).WithField("height", height).
			WithField("reopened", reopened).Warn("reorg injected")
	}
	return reopened, nil
}

// QuarantineWallet marks a wallet compromised, excluding it from selection,
// and raises a security alert.
func (e *Engine) QuarantineWallet(ctx context.Context, walletID, reason string) error {
	if err := e.store.MarkWalletCompromised(ctx, walletID); err != nil {
		return err
	}
	e.audit.Alert(ctx, "", reason, map[string]interface{}{
		"wallet_id": walletID,
	})
	return nil
}

// MixStats is the aggregate operational view.
type MixStats struct {
	TotalRequests     int64     `json:"total_requests"`
	ActiveRequests    int64     `json:"active_requests"`
	CompletedRequests int64     `json:"completed_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	ExpiredRequests   int64     `json:"expired_requests"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// GetMixStats aggregates request counts.
func (e *Engine) GetMixStats(ctx context.Context) (MixStats, error) {
	counts, err := e.store.CountRequestsByStatus(ctx)
	if err != nil {
		return MixStats{}, err
	}
	stats := MixStats{GeneratedAt: time.Now().UTC()}
	for status, n := range counts {
		stats.TotalRequests += n
		switch status {
		case model.RequestStatusCompleted:
			stats.CompletedRequests = n
		case model.RequestStatusFailed:
			stats.FailedRequests = n
		case model.RequestStatusExpired:
			stats.ExpiredRequests = n
		case model.RequestStatusPending, model.RequestStatusProcessing,
			model.RequestStatusMixing, model.RequestStatusSending:
			stats.ActiveRequests += n
		}
	}
	return stats, nil
}
