// Package scheduler dispatches output obligations: delay-aware, priority
// ordered, retry-capable. Multiple dispatch workers may run concurrently; the
// wallet reservation is the shared-state serialisation point.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/audit"
	"github.com/coinblend/mixcore/internal/chain"
	"github.com/coinblend/mixcore/internal/config"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/pool"
	"github.com/coinblend/mixcore/internal/store"
)

// RequestNotifier receives obligation outcomes. The engine implements this.
type RequestNotifier interface {
	ObligationConfirmed(ctx context.Context, requestID string) error
	ObligationFailedTerminally(ctx context.Context, requestID, reason string) error
}

// OutputTracker enrols broadcast transactions for confirmation tracking. The
// monitor implements this.
type OutputTracker interface {
	TrackOutput(ctx context.Context, ob *model.OutputObligation) error
}

// Scheduler drains due obligations.
type Scheduler struct {
	store    store.Store
	pools    *pool.Manager
	adapters *chain.Registry
	notify   RequestNotifier
	tracker  OutputTracker
	audit    *audit.Recorder
	cfg      config.MixerConfig
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the scheduler.
func New(
	st store.Store,
	pools *pool.Manager,
	adapters *chain.Registry,
	notify RequestNotifier,
	tracker OutputTracker,
	rec *audit.Recorder,
	cfg config.MixerConfig,
	log *logrus.Entry,
) *Scheduler {
	return &Scheduler{
		store:    st,
		pools:    pools,
		adapters: adapters,
		notify:   notify,
		tracker:  tracker,
		audit:    rec,
		cfg:      cfg,
		log:      log,
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("output scheduler started")
	return nil
}

// Stop drains the current batch and stops the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("output scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.DispatchIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.DispatchDue(ctx); err != nil {
			s.log.WithError(err).Warn("dispatch batch failed")
		}
		s.flagOverdue(ctx)
	}
}

// DispatchDue selects and dispatches one batch of due obligations.
func (s *Scheduler) DispatchDue(ctx context.Context) error {
	due, err := s.store.ListDueObligations(ctx, time.Now().UTC(), s.cfg.DispatchBatchSize)
	if err != nil {
		return err
	}
	for _, ob := range due {
		if err := s.dispatchOne(ctx, ob); err != nil {
			s.log.WithError(err).WithField("obligation_id", ob.ID).Warn("dispatch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}

// dispatchOne runs the reserve, broadcast, track sequence for one obligation.
func (s *Scheduler) dispatchOne(ctx context.Context, ob *model.OutputObligation) error {
	adapter, err := s.adapters.Get(ob.Currency)
	if err != nil {
		return err
	}
	if !adapter.Connected() {
		return nil // backpressure: leave the obligation due
	}

	// Step 1: reserve funds. A capacity shortfall defers with its own
	// backoff and does not consume a retry.
	wallet, err := s.pools.SelectAndReserve(ctx, ob.Currency, ob.Amount)
	if err != nil {
		if mixerr.IsCapacity(err) {
			ob.ScheduledAt = time.Now().UTC().Add(s.capacityBackoff())
			return s.store.UpdateObligation(ctx, ob)
		}
		return err
	}

	ob.FromWalletID = wallet.ID
	ob.FromAddress = wallet.Address
	ob.Status = model.ObligationStatusBroadcasting
	if err := s.store.UpdateObligation(ctx, ob); err != nil {
		_ = s.pools.ReleaseReservation(ctx, wallet.ID, ob.Amount)
		return err
	}

	// Step 2: build and broadcast.
	feeRate, err := adapter.EstimateFee(ctx, ob.RequiredConfs, chain.FeeModeConservative)
	if err != nil {
		return s.handleBroadcastFailure(ctx, ob, wallet.ID, err)
	}
	txid, err := adapter.SignAndBroadcast(ctx, chain.BuildSpec{
		From:           wallet.Address,
		To:             ob.ToAddress,
		Amount:         ob.Amount,
		FeeRate:        feeRate,
		UseInstantSend: ob.UseInstantSend,
		Shielded:       ob.Shielded,
	}, wallet.KeyHandle)
	if err != nil {
		return s.handleBroadcastFailure(ctx, ob, wallet.ID, err)
	}

	// Step 3: in the mempool; enrol confirmation tracking.
	ob.Status = model.ObligationStatusMempool
	ob.BroadcastTxID = txid
	if err := s.store.UpdateObligation(ctx, ob); err != nil {
		return err
	}
	if err := s.tracker.TrackOutput(ctx, ob); err != nil {
		s.log.WithError(err).WithField("tx_id", txid).Warn("confirmation tracking enrolment failed")
	}
	_ = s.store.UpsertChainTx(ctx, &model.ObservedChainTx{
		TxID:        txid,
		Currency:    ob.Currency,
		RequestID:   ob.RequestID,
		Type:        model.ChainTxOutput,
		Amount:      ob.Amount,
		FromAddress: wallet.Address,
		ToAddress:   ob.ToAddress,
	})

	s.audit.Emit(ctx, audit.Event{
		Type:      audit.EventTransactionSent,
		RequestID: ob.RequestID,
		Payload: map[string]interface{}{
			"tx_id":    txid,
			"currency": string(ob.Currency),
			"amount":   ob.Amount.String(),
			"output":   ob.OutputIndex,
		},
	})
	s.log.WithFields(logrus.Fields{
		"obligation_id": ob.ID,
		"tx_id":         txid,
		"amount":        ob.Amount.String(),
	}).Info("obligation broadcast")
	return nil
}

func (s *Scheduler) capacityBackoff() time.Duration {
	if s.cfg.CapacityBackoffSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.cfg.CapacityBackoffSeconds) * time.Second
}

// backoff is the retry delay after attempt failures.
func (s *Scheduler) backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 30 * time.Second
}

// handleBroadcastFailure releases the reservation and either reschedules a
// retry or fails the obligation terminally.
func (s *Scheduler) handleBroadcastFailure(ctx context.Context, ob *model.OutputObligation, walletID string, cause error) error {
	if err := s.pools.ReleaseReservation(ctx, walletID, ob.Amount); err != nil {
		s.log.WithError(err).WithField("wallet_id", walletID).Error("reservation release failed")
	}

	ob.RetryCount++
	ob.LastError = cause.Error()

	retryable := mixerr.Retryable(cause)
	if retryable && ob.RetryCount < ob.MaxRetries {
		ob.Status = model.ObligationStatusPending
		ob.FromWalletID = ""
		ob.FromAddress = ""
		ob.ScheduledAt = time.Now().UTC().Add(s.backoff(ob.RetryCount))
		if err := s.store.UpdateObligation(ctx, ob); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"obligation_id": ob.ID,
			"retry":         ob.RetryCount,
		}).Warn("broadcast failed, rescheduled")
		return nil
	}

	ob.Status = model.ObligationStatusFailed
	if err := s.store.UpdateObligation(ctx, ob); err != nil {
		return err
	}
	reason := fmt.Sprintf("obligation %s failed: %v", ob.ID, cause)
	if !retryable {
		reason = fmt.Sprintf("obligation %s rejected: %v", ob.ID, cause)
	}
	return s.notify.ObligationFailedTerminally(ctx, ob.RequestID, reason)
}

// HandleOutputObservation consumes confirmation progress from the monitor.
// Reaching required confirmations (or InstantSend finality) consumes the
// wallet reservation and may complete the owning request. Re-delivery for an
// already-confirmed obligation is a no-op.
func (s *Scheduler) HandleOutputObservation(ctx context.Context, tx *model.ObservedChainTx) error {
	ob, err := s.store.GetObligationByTxID(ctx, tx.Currency, tx.TxID)
	if err != nil {
		if mixerr.IsNotFound(err) {
			return nil // not ours
		}
		return err
	}

	switch ob.Status {
	case model.ObligationStatusConfirmed:
		// Re-delivery of a confirming observation is a no-op; a downgraded
		// record (reorg) reopens the obligation instead.
		if tx.Confirmed || tx.Failed || tx.Confirmations >= ob.RequiredConfs ||
			(ob.UseInstantSend && tx.InstantLocked) {
			return nil
		}
		return s.reopenConfirmed(ctx, ob, tx)
	case model.ObligationStatusFailed:
		return nil
	}

	// Included-but-reverted is a permanent rejection.
	if tx.Failed {
		return s.handleBroadcastFailure(ctx, ob, ob.FromWalletID,
			mixerr.Permanent("transaction reverted on chain", nil).WithDetail("tx_id", tx.TxID))
	}

	ob.Confirmations = tx.Confirmations
	ob.BlockHeight = tx.BlockHeight

	confirmed := tx.Confirmations >= ob.RequiredConfs
	if ob.UseInstantSend && tx.InstantLocked {
		confirmed = true
	}
	if !confirmed {
		return s.store.UpdateObligation(ctx, ob)
	}

	now := time.Now().UTC()
	ob.Status = model.ObligationStatusConfirmed
	ob.ConfirmedAt = &now
	if err := s.store.UpdateObligation(ctx, ob); err != nil {
		return err
	}
	if ob.FromWalletID != "" {
		if err := s.pools.ConsumeReservation(ctx, ob.FromWalletID, ob.Amount); err != nil {
			s.log.WithError(err).WithField("wallet_id", ob.FromWalletID).Error("consume reservation failed")
		}
	}
	s.log.WithFields(logrus.Fields{
		"obligation_id": ob.ID,
		"tx_id":         tx.TxID,
		"confirmations": tx.Confirmations,
	}).Info("obligation confirmed")

	return s.notify.ObligationConfirmed(ctx, ob.RequestID)
}

// reopenConfirmed sends a confirmed obligation back to MEMPOOL after its
// chain record was downgraded by a reorg, reasserting the wallet reservation
// that confirmation had consumed.
func (s *Scheduler) reopenConfirmed(ctx context.Context, ob *model.OutputObligation, tx *model.ObservedChainTx) error {
	ob.Status = model.ObligationStatusMempool
	ob.Confirmations = tx.Confirmations
	ob.ConfirmedAt = nil
	if err := s.store.UpdateObligation(ctx, ob); err != nil {
		if mixerr.IsConsistency(err) {
			return nil // the reorg path already reopened it
		}
		return err
	}
	if ob.FromWalletID != "" {
		if err := s.pools.ReassertReservation(ctx, ob.FromWalletID, ob.Amount); err != nil {
			s.log.WithError(err).WithField("wallet_id", ob.FromWalletID).
				Error("reservation reassert failed")
		}
	}
	s.log.WithFields(logrus.Fields{
		"obligation_id": ob.ID,
		"tx_id":         tx.TxID,
	}).Warn("confirmed obligation reopened after reorg")
	return nil
}

// flagOverdue raises the priority of obligations stuck past the overdue
// threshold and surfaces them to observability.
func (s *Scheduler) flagOverdue(ctx context.Context) {
	threshold := time.Now().UTC().Add(-time.Duration(s.cfg.OverdueThresholdHours) * time.Hour)
	overdue, err := s.store.ListOverdueObligations(ctx, threshold, 0)
	if err != nil {
		s.log.WithError(err).Warn("overdue scan failed")
		return
	}
	for _, ob := range overdue {
		if ob.Priority > 0 {
			continue // already flagged
		}
		ob.Priority = 10
		if err := s.store.UpdateObligation(ctx, ob); err != nil {
			continue
		}
		s.audit.Emit(ctx, audit.Event{
			Type:      audit.EventBlockchain,
			Severity:  audit.SeverityWarning,
			Status:    audit.StatusPending,
			RequestID: ob.RequestID,
			Payload: map[string]interface{}{
				"obligation_id": ob.ID,
				"scheduled_at":  ob.ScheduledAt,
				"status":        string(ob.Status),
			},
		})
	}
}
