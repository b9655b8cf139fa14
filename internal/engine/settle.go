package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/audit"
	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// SettleReadyPools advances every READY pool through cohort settlement.
// Settlement on a given pool is serialised by the pool lock; pools settle
// independently.
func (e *Engine) SettleReadyPools(ctx context.Context) error {
	pools, err := e.store.ListPoolsByStatus(ctx, model.PoolStatusReady, 0)
	if err != nil {
		return err
	}
	for _, p := range pools {
		if err := e.settlePool(ctx, p.ID); err != nil {
			if mixerr.IsValidation(err) || mixerr.IsConsistency(err) {
				continue // below min participants or another worker won the lock
			}
			e.log.WithError(err).WithField("pool_id", p.ID).Warn("pool settlement failed")
		}
	}
	return nil
}

// settlePool locks one READY pool, moves its cohort to MIXING, materialises
// output obligations and hands the cohort to the scheduler by leaving the
// obligations PENDING. A crypto failure on any member cancels the whole
// cohort.
func (e *Engine) settlePool(ctx context.Context, poolID string) error {
	p, err := e.pools.LockForMixing(ctx, poolID)
	if err != nil {
		return err
	}

	members, err := e.store.ListRequestsByPool(ctx, poolID)
	if err != nil {
		_ = e.pools.CompleteMixing(ctx, poolID, false)
		return err
	}

	cohort := make([]*model.MixRequest, 0, len(members))
	for _, req := range members {
		if req.Status == model.RequestStatusProcessing {
			cohort = append(cohort, req)
		}
	}
	if len(cohort) == 0 {
		_ = e.pools.CompleteMixing(ctx, poolID, false)
		return mixerr.Validation("pool has no settleable members")
	}

	for _, req := range cohort {
		if err := e.Transition(ctx, req.ID, model.RequestStatusProcessing, model.RequestStatusMixing); err != nil {
			e.revertCohort(ctx, poolID, cohort)
			return err
		}
		req.Status = model.RequestStatusMixing
	}

	// Verify every member's envelope before committing any output. A MAC
	// failure is a security event and cancels the cohort.
	for _, req := range cohort {
		if err := e.verifyEnvelope(req); err != nil {
			e.audit.Alert(ctx, req.ID, "metadata envelope failed to decrypt", map[string]interface{}{
				"pool_id": poolID,
				"session": req.SessionID,
			})
			e.revertCohort(ctx, poolID, cohort)
			return err
		}
	}

	for _, req := range cohort {
		if err := e.materialiseObligations(ctx, req, len(cohort)); err != nil {
			e.revertCohort(ctx, poolID, cohort)
			return err
		}
		if err := e.Transition(ctx, req.ID, model.RequestStatusMixing, model.RequestStatusSending); err != nil {
			e.revertCohort(ctx, poolID, cohort)
			return err
		}
		e.audit.Emit(ctx, audit.Event{
			Type:      audit.EventMixRequestUpdated,
			SessionID: req.SessionID,
			RequestID: req.ID,
			Payload: map[string]interface{}{
				"status":  string(model.RequestStatusSending),
				"pool_id": poolID,
				"cohort":  len(cohort),
			},
		})
	}

	if err := e.pools.CompleteMixing(ctx, poolID, true); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"pool_id": poolID,
		"cohort":  len(cohort),
	}).Info("cohort settled")
	return nil
}

// verifyEnvelope round-trips the request's encrypted metadata.
func (e *Engine) verifyEnvelope(req *model.MixRequest) error {
	if len(req.EncryptedMetadata) == 0 {
		return nil
	}
	env, err := mixcrypto.UnmarshalEnvelope(req.EncryptedMetadata)
	if err != nil {
		return err
	}
	_, err = e.codec.Decrypt(env)
	return err
}

// revertCohort unlocks the pool as CANCELLED and bounces members back to
// PROCESSING so they are eligible for a different pool.
func (e *Engine) revertCohort(ctx context.Context, poolID string, cohort []*model.MixRequest) {
	if err := e.pools.CompleteMixing(ctx, poolID, false); err != nil {
		e.log.WithError(err).WithField("pool_id", poolID).Error("cohort cancel failed")
	}
	for _, req := range cohort {
		if req.Status != model.RequestStatusMixing {
			continue
		}
		if err := e.Transition(ctx, req.ID, model.RequestStatusMixing, model.RequestStatusProcessing); err != nil {
			e.log.WithError(err).WithField("request_id", req.ID).Error("cohort revert failed")
			continue
		}
		fresh, err := e.store.GetRequest(ctx, req.ID)
		if err != nil {
			continue
		}
		fresh.PoolID = ""
		if err := e.store.UpdateRequest(ctx, fresh); err != nil {
			e.log.WithError(err).WithField("request_id", req.ID).Error("clearing pool membership failed")
		}
	}
}

// materialiseObligations creates one obligation per output-configuration
// entry, ordered largest share first so output indexes are deterministic.
// Rounding residue goes to the largest share; the schedule is request
// creation plus the global delay plus any per-output delay.
func (e *Engine) materialiseObligations(ctx context.Context, req *model.MixRequest, cohortSize int) error {
	shares := make([]currency.OutputShare, len(req.Outputs))
	delays := make(map[string]int, len(req.Outputs))
	for i, o := range req.Outputs {
		shares[i] = currency.OutputShare{Address: o.Address, Percentage: o.Percentage}
		delays[o.Address] = o.DelayHours
	}
	shares = currency.SortSharesByPercentage(shares)

	amounts, err := currency.Split(req.Currency, req.OutputAmount, shares)
	if err != nil {
		return err
	}

	info := currency.MustGet(req.Currency)
	base := req.CreatedAt.Add(time.Duration(req.DelayHours) * time.Hour)

	obligations := make([]*model.OutputObligation, len(shares))
	for i, share := range shares {
		required := info.RequiredConfirmations
		instant := false
		if req.Currency == currency.DASH && info.SupportsInstantFinality {
			// InstantSend finality is treated as one confirmation.
			instant = true
			required = 1
		}
		shielded := req.Currency == currency.ZEC && currency.IsShielded(share.Address)

		obligations[i] = &model.OutputObligation{
			RequestID:      req.ID,
			Currency:       req.Currency,
			ToAddress:      share.Address,
			Amount:         amounts[i],
			Percentage:     share.Percentage,
			Status:         model.ObligationStatusPending,
			ScheduledAt:    base.Add(time.Duration(delays[share.Address]) * time.Hour),
			RequiredConfs:  required,
			UseInstantSend: instant,
			Shielded:       shielded,
			MaxRetries:     e.cfg.MaxRetries,
			OutputIndex:    i,
			TotalOutputs:   len(shares),
		}
	}
	return e.store.CreateObligations(ctx, obligations)
}
