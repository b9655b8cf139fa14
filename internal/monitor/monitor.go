// Package monitor runs the per-currency watch loops: deposit detection on
// watched addresses and confirmation tracking for broadcast outputs. Each
// currency has an independent loop; events for one request are serialised by
// the handlers, events across requests may be concurrent.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/chain"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/store"
)

// DepositHandler consumes qualifying deposit events. The engine implements
// this.
type DepositHandler interface {
	HandleDepositConfirmed(ctx context.Context, requestID, txID string, amount decimal.Decimal) error
	ExpireRequest(ctx context.Context, requestID string) error
}

// ConfirmationHandler consumes output confirmation progress. The scheduler
// implements this.
type ConfirmationHandler interface {
	HandleOutputObservation(ctx context.Context, tx *model.ObservedChainTx) error
}

// Config tunes the monitor.
type Config struct {
	// PollInterval is the loop cadence per currency.
	PollInterval time.Duration
	// DepositTolerance is the fraction of the expected amount a deposit may
	// fall short by and still qualify.
	DepositTolerance decimal.Decimal
	// BalanceChangeThreshold suppresses events for dust-level deltas.
	BalanceChangeThreshold decimal.Decimal
	BatchSize              int
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BalanceChangeThreshold.Sign() <= 0 {
		c.BalanceChangeThreshold = decimal.RequireFromString("0.00000001")
	}
}

// Monitor owns the watch loops.
type Monitor struct {
	store    store.Store
	adapters *chain.Registry
	deposits DepositHandler
	outputs  ConfirmationHandler
	cfg      Config
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the monitor.
func New(st store.Store, adapters *chain.Registry, deposits DepositHandler, outputs ConfirmationHandler, cfg Config, log *logrus.Entry) *Monitor {
	cfg.defaults()
	return &Monitor{
		store:    st,
		adapters: adapters,
		deposits: deposits,
		outputs:  outputs,
		cfg:      cfg,
		log:      log,
	}
}

// BindOutputs late-binds the confirmation handler; the scheduler and monitor
// reference each other, so one side attaches after construction.
func (m *Monitor) BindOutputs(h ConfirmationHandler) {
	m.outputs = h
}

// Start launches one loop per registered currency.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for _, adapter := range m.adapters.All() {
		m.wg.Add(1)
		go m.runCurrency(ctx, adapter)
	}
	m.log.Info("deposit monitor started")
	return nil
}

// Stop lets in-flight checks finish and stops all loops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
	m.log.Info("deposit monitor stopped")
}

func (m *Monitor) runCurrency(ctx context.Context, adapter chain.Adapter) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.Sweep(ctx, adapter)
	}
}

// Sweep runs one pass for a currency: expiries, deposit checks, output
// confirmation checks.
func (m *Monitor) Sweep(ctx context.Context, adapter chain.Adapter) {
	curr := adapter.Currency()
	now := time.Now().UTC()

	expired, err := m.store.ListExpiredWatchpoints(ctx, curr, now, m.cfg.BatchSize)
	if err != nil {
		m.log.WithError(err).Warn("list expired watchpoints failed")
	}
	for _, wp := range expired {
		if wp.Kind == model.WatchDeposit && wp.RequestID != "" {
			if err := m.deposits.ExpireRequest(ctx, wp.RequestID); err != nil {
				m.log.WithError(err).WithField("request_id", wp.RequestID).Warn("expire request failed")
				continue
			}
		}
		_ = m.store.DeleteWatchpoint(ctx, wp.ID)
	}

	if !adapter.Connected() {
		// Backpressure: skip chain reads, watchpoints stay due.
		return
	}

	due, err := m.store.ListDueWatchpoints(ctx, curr, model.WatchDeposit, now, m.cfg.BatchSize)
	if err != nil {
		m.log.WithError(err).Warn("list due watchpoints failed")
	}
	for _, wp := range due {
		if err := m.checkDeposit(ctx, adapter, wp); err != nil && !mixerr.Retryable(err) {
			m.log.WithError(err).WithField("address", wp.Address).Warn("deposit check failed")
		}
	}

	tracking, err := m.store.ListDueWatchpoints(ctx, curr, model.WatchOutput, now, m.cfg.BatchSize)
	if err != nil {
		m.log.WithError(err).Warn("list output watchpoints failed")
	}
	for _, wp := range tracking {
		if err := m.checkOutput(ctx, adapter, wp); err != nil && !mixerr.Retryable(err) {
			m.log.WithError(err).WithField("tx_id", wp.TxID).Warn("output check failed")
		}
	}
}

// checkDeposit polls one watched address and emits DEPOSIT_CONFIRMED when the
// received amount qualifies.
func (m *Monitor) checkDeposit(ctx context.Context, adapter chain.Adapter, wp *model.Watchpoint) error {
	defer func() { _ = m.store.TouchWatchpoint(ctx, wp.ID, time.Now().UTC()) }()

	info := currency.MustGet(wp.Currency)
	received, err := adapter.GetReceived(ctx, wp.Address, info.RequiredConfirmations)
	if err != nil {
		return err
	}
	if received.Cmp(m.cfg.BalanceChangeThreshold) < 0 {
		return nil
	}

	txID := m.resolveDepositTx(ctx, adapter, wp.Address, info.RequiredConfirmations)

	// Partial deposits are recorded for audit but advance no state.
	threshold := wp.ExpectedAmount.Mul(decimal.NewFromInt(1).Sub(m.cfg.DepositTolerance))
	qualifies := received.Cmp(threshold) >= 0

	if txID != "" {
		_ = m.store.UpsertChainTx(ctx, &model.ObservedChainTx{
			TxID:      txID,
			Currency:  wp.Currency,
			RequestID: wp.RequestID,
			Type:      model.ChainTxInput,
			Amount:    received,
			ToAddress: wp.Address,
			Confirmed: qualifies,
		})
	}
	if !qualifies {
		return nil
	}

	won, err := m.store.MarkWatchpointDetected(ctx, wp.ID, txID)
	if err != nil {
		return err
	}
	if !won {
		return nil // another worker already retired this watchpoint
	}

	m.log.WithFields(logrus.Fields{
		"currency":   string(wp.Currency),
		"address":    wp.Address,
		"request_id": wp.RequestID,
		"amount":     received.String(),
	}).Info("deposit confirmed")

	return m.deposits.HandleDepositConfirmed(ctx, wp.RequestID, txID, received)
}

// resolveDepositTx recovers the funding transaction id where the chain
// permits; account-model chains report balance only.
func (m *Monitor) resolveDepositTx(ctx context.Context, adapter chain.Adapter, address string, minConf int) string {
	utxos, err := adapter.ListUnspent(ctx, minConf, 9999999, []string{address})
	if err != nil || len(utxos) == 0 {
		return ""
	}
	return utxos[0].TxID
}

// checkOutput polls one broadcast transaction and forwards the observation.
func (m *Monitor) checkOutput(ctx context.Context, adapter chain.Adapter, wp *model.Watchpoint) error {
	defer func() { _ = m.store.TouchWatchpoint(ctx, wp.ID, time.Now().UTC()) }()

	tx, err := adapter.GetTransaction(ctx, wp.TxID)
	if err != nil {
		if mixerr.IsNotFound(err) {
			return nil // not indexed yet
		}
		return err
	}
	tx.RequestID = wp.RequestID
	tx.Type = model.ChainTxOutput
	if err := m.store.UpsertChainTx(ctx, tx); err != nil {
		return err
	}
	if err := m.outputs.HandleOutputObservation(ctx, tx); err != nil {
		return err
	}
	if tx.Confirmed || tx.Failed || tx.InstantLocked {
		if won, err := m.store.MarkWatchpointDetected(ctx, wp.ID, wp.TxID); err == nil && won {
			_ = m.store.DeleteWatchpoint(ctx, wp.ID)
		}
	}
	return nil
}

// TrackOutput registers confirmation tracking for a broadcast obligation.
func (m *Monitor) TrackOutput(ctx context.Context, ob *model.OutputObligation) error {
	return m.store.CreateWatchpoint(ctx, &model.Watchpoint{
		Currency:             ob.Currency,
		Address:              ob.ToAddress,
		RequestID:            ob.RequestID,
		Kind:                 model.WatchOutput,
		TxID:                 ob.BroadcastTxID,
		ExpectedAmount:       ob.Amount,
		CheckIntervalMinutes: 1,
		ExpiresAt:            time.Now().UTC().Add(7 * 24 * time.Hour),
	})
}
