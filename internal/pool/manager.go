// Package pool implements the per-currency transaction pools: admission,
// cohort locking, settlement bookkeeping and the wallet reservation view the
// output scheduler draws from.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/store"
)

// overfillFactor bounds pool fill: current never exceeds target * 1.1.
var overfillFactor = decimal.RequireFromString("1.1")

// successSmoothing is the weight of the newest outcome in the pool's
// exponential success-rate average.
var successSmoothing = decimal.RequireFromString("0.2")

// Manager owns pool state transitions. Admission and cohort locking on one
// pool are serialised by a per-pool mutex on top of the store's optimistic
// version guard; operations across pools run in parallel.
type Manager struct {
	store store.Store
	log   *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a pool manager.
func NewManager(st store.Store, log *logrus.Entry) *Manager {
	return &Manager{
		store: st,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) poolMutex(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// defaultShape is the initial pool configuration of a currency.
type defaultShape struct {
	target          string
	maxParticipants int
	minParticipants int
	fee             string
	priority        int
}

// Default pool configurations created on first start.
var defaultShapes = map[currency.Currency]defaultShape{
	currency.BTC:       {target: "5", maxParticipants: 20, minParticipants: 3, fee: "0.5"},
	currency.LTC:       {target: "200", maxParticipants: 20, minParticipants: 3, fee: "0.4"},
	currency.DASH:      {target: "100", maxParticipants: 20, minParticipants: 3, fee: "0.4"},
	currency.ZEC:       {target: "100", maxParticipants: 20, minParticipants: 6, fee: "0.4"}, // shielded sets need depth
	currency.ETH:       {target: "50", maxParticipants: 25, minParticipants: 3, fee: "0.3"},
	currency.USDTERC20: {target: "50000", maxParticipants: 30, minParticipants: 3, fee: "0.2"},
	currency.USDTTRC20: {target: "50000", maxParticipants: 30, minParticipants: 3, fee: "0.2"},
	currency.SOL:       {target: "500", maxParticipants: 20, minParticipants: 3, fee: "0.4"},
}

// EnsureDefaultPools creates a default pool for every currency that has no
// active one.
func (m *Manager) EnsureDefaultPools(ctx context.Context) error {
	for _, c := range currency.All() {
		shape, ok := defaultShapes[c]
		if !ok {
			continue
		}
		active, err := m.store.ListPoolsByCurrency(ctx, c,
			[]model.PoolStatus{model.PoolStatusWaiting, model.PoolStatusFilling, model.PoolStatusReady, model.PoolStatusMixing})
		if err != nil {
			return err
		}
		if len(active) > 0 {
			continue
		}

		info := currency.MustGet(c)
		p := &model.Pool{
			Currency:        c,
			Status:          model.PoolStatusWaiting,
			TargetAmount:    decimal.RequireFromString(shape.target),
			MinAmount:       info.MinAmount,
			MaxAmount:       info.MaxAmount,
			CurrentAmount:   decimal.Zero,
			FeePercentage:   decimal.RequireFromString(shape.fee),
			MinParticipants: shape.minParticipants,
			MaxParticipants: shape.maxParticipants,
			AverageAmount:   decimal.Zero,
			SuccessRate:     decimal.NewFromInt(1),
			Priority:        shape.priority,
		}
		if err := m.store.CreatePool(ctx, p); err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{
			"currency": string(c),
			"pool_id":  p.ID,
			"target":   p.TargetAmount.String(),
		}).Info("default pool created")
	}
	return nil
}

// admissible applies the admission rules without mutating the pool.
func admissible(p *model.Pool, amount decimal.Decimal) error {
	if !p.Active() {
		return mixerr.Validation("pool is not accepting contributions").WithDetail("status", string(p.Status))
	}
	if p.Locked {
		return mixerr.Validation("pool is locked")
	}
	if p.Participants >= p.MaxParticipants {
		return mixerr.Validation("pool is full")
	}
	if amount.Cmp(p.MinAmount) < 0 || amount.Cmp(p.MaxAmount) > 0 {
		return mixerr.Validation("amount outside pool participant bounds")
	}
	if p.CurrentAmount.Add(amount).Cmp(p.TargetAmount.Mul(overfillFactor)) > 0 {
		return mixerr.Validation("pool would overfill")
	}
	return nil
}

// SelectPool picks, among currency-matching WAITING/FILLING pools, the
// highest-priority, most-filled, oldest pool that can admit amount. The
// store's ordering makes ties deterministic by pool id.
func (m *Manager) SelectPool(ctx context.Context, c currency.Currency, amount decimal.Decimal) (*model.Pool, error) {
	pools, err := m.store.ListPoolsByCurrency(ctx, c,
		[]model.PoolStatus{model.PoolStatusWaiting, model.PoolStatusFilling})
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		if admissible(p, amount) == nil {
			return p, nil
		}
	}
	return nil, mixerr.Capacity("no pool can admit the contribution").
		WithDetail("currency", string(c)).WithDetail("amount", amount.String())
}

// TryAdmit admits a contribution into the pool. It returns the refreshed
// pool; admission serialises per pool and retries once on an optimistic-lock
// loss per the consistency policy.
func (m *Manager) TryAdmit(ctx context.Context, poolID string, amount decimal.Decimal, requestID string) (*model.Pool, error) {
	lock := m.poolMutex(poolID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		p, err := m.store.GetPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if err := admissible(p, amount); err != nil {
			return nil, err
		}

		p.CurrentAmount = currency.Round(p.Currency, p.CurrentAmount.Add(amount))
		p.Participants++
		p.AverageAmount = p.CurrentAmount.DivRound(decimal.NewFromInt(int64(p.Participants)), currency.MustGet(p.Currency).Scale)
		p.AnonymitySet = p.Participants
		if p.Status == model.PoolStatusWaiting {
			p.Status = model.PoolStatusFilling
		}
		if p.CurrentAmount.Cmp(p.TargetAmount) >= 0 {
			p.Status = model.PoolStatusReady
		}

		if err := m.store.UpdatePool(ctx, p); err != nil {
			if mixerr.IsConsistency(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		m.log.WithFields(logrus.Fields{
			"pool_id":      p.ID,
			"request_id":   requestID,
			"participants": p.Participants,
			"current":      p.CurrentAmount.String(),
			"status":       string(p.Status),
		}).Info("contribution admitted")
		return p, nil
	}
	return nil, lastErr
}

// LockForMixing is the single serialisation point of cohort settlement: a
// READY pool with enough participants becomes MIXING and locked.
func (m *Manager) LockForMixing(ctx context.Context, poolID string) (*model.Pool, error) {
	lock := m.poolMutex(poolID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PoolStatusReady {
		return nil, mixerr.Validation("pool is not ready").WithDetail("status", string(p.Status))
	}
	if p.Locked {
		return nil, mixerr.Consistency("pool already locked", nil)
	}
	if p.Participants < p.MinParticipants {
		return nil, mixerr.Validation("pool below minimum participants").
			WithDetail("participants", p.Participants).
			WithDetail("min", p.MinParticipants)
	}

	now := time.Now().UTC()
	p.Status = model.PoolStatusMixing
	p.Locked = true
	p.StartedAt = &now
	p.LockedAt = &now
	if err := m.store.UpdatePool(ctx, p); err != nil {
		return nil, err
	}
	m.log.WithField("pool_id", p.ID).Info("pool locked for mixing")
	return p, nil
}

// CompleteMixing unlocks the pool after cohort settlement. Success resets the
// pool to WAITING for reuse; failure parks it in CANCELLED. The success rate
// is an exponential average of outcomes.
func (m *Manager) CompleteMixing(ctx context.Context, poolID string, success bool) error {
	lock := m.poolMutex(poolID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if p.Status != model.PoolStatusMixing || !p.Locked {
		return mixerr.Validation("pool is not mixing").WithDetail("status", string(p.Status))
	}

	outcome := decimal.Zero
	if success {
		outcome = decimal.NewFromInt(1)
	}
	p.SuccessRate = p.SuccessRate.Mul(decimal.NewFromInt(1).Sub(successSmoothing)).
		Add(outcome.Mul(successSmoothing)).Round(4)

	p.Locked = false
	if success {
		p.RoundsCompleted++
		p.Status = model.PoolStatusCompleted
	} else {
		p.Status = model.PoolStatusCancelled
	}

	if err := m.store.UpdatePool(ctx, p); err != nil {
		return err
	}

	if success {
		// A completed pool resets and rejoins the active set.
		p.Status = model.PoolStatusWaiting
		p.CurrentAmount = decimal.Zero
		p.Participants = 0
		p.AnonymitySet = 0
		p.AverageAmount = decimal.Zero
		p.StartedAt = nil
		p.LockedAt = nil
		if err := m.store.UpdatePool(ctx, p); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{
		"pool_id": poolID,
		"success": success,
	}).Info("mixing completed")
	return nil
}

// ExpireStale cancels FILLING pools stuck past the timeout and returns their
// ids so the engine can bounce their members back to a fresh pool.
func (m *Manager) ExpireStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	pools, err := m.store.ListPoolsByStatus(ctx, model.PoolStatusFilling, 0)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-timeout)
	var cancelled []string
	for _, p := range pools {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		lock := m.poolMutex(p.ID)
		lock.Lock()
		fresh, err := m.store.GetPool(ctx, p.ID)
		if err == nil && fresh.Status == model.PoolStatusFilling && !fresh.Locked {
			fresh.Status = model.PoolStatusCancelled
			if err := m.store.UpdatePool(ctx, fresh); err == nil {
				cancelled = append(cancelled, fresh.ID)
			}
		}
		lock.Unlock()
	}
	return cancelled, nil
}

// Wallet view: the scheduler reserves disbursement funds through the pool
// manager so wallet accounting stays in one place.

// SelectAndReserve picks a funded wallet and reserves amount on it.
func (m *Manager) SelectAndReserve(ctx context.Context, c currency.Currency, amount decimal.Decimal) (*model.Wallet, error) {
	w, err := m.store.SelectWallet(ctx, c, amount)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReserveWallet(ctx, w.ID, amount); err != nil {
		return nil, err
	}
	w.Reserved = w.Reserved.Add(amount)
	w.Available = w.Balance.Sub(w.Reserved)
	return w, nil
}

// ReleaseReservation returns a failed dispatch's funds to available.
func (m *Manager) ReleaseReservation(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return m.store.ReleaseWallet(ctx, walletID, amount)
}

// ConsumeReservation settles a confirmed spend.
func (m *Manager) ConsumeReservation(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return m.store.ConsumeReservation(ctx, walletID, amount)
}

// ReassertReservation undoes a consumed reservation after a reorg reopened
// the spend: the amount is credited back to the balance and immediately
// reserved again until the transaction re-confirms.
func (m *Manager) ReassertReservation(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if err := m.store.CreditWallet(ctx, walletID, amount); err != nil {
		return err
	}
	return m.store.ReserveWallet(ctx, walletID, amount)
}
