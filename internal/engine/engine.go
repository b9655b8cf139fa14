// Package engine owns the mix-request state machine. Every transition goes
// through Transition, which enforces the legal edge set; external events
// (deposits, pool readiness, obligation outcomes) arrive as method calls and
// are serialised per request.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/audit"
	"github.com/coinblend/mixcore/internal/cache"
	"github.com/coinblend/mixcore/internal/chain"
	"github.com/coinblend/mixcore/internal/config"
	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/pool"
	"github.com/coinblend/mixcore/internal/store"
)

// legalEdges is the transition table; any other (from, to) mutation is
// rejected.
var legalEdges = map[model.RequestStatus][]model.RequestStatus{
	model.RequestStatusPending: {
		model.RequestStatusExpired,
		model.RequestStatusProcessing,
		model.RequestStatusCancelled,
		model.RequestStatusFailed,
	},
	model.RequestStatusProcessing: {
		model.RequestStatusMixing,
		model.RequestStatusFailed,
	},
	model.RequestStatusMixing: {
		model.RequestStatusSending,
		model.RequestStatusProcessing, // cohort cancelled before settlement
		model.RequestStatusFailed,
	},
	model.RequestStatusSending: {
		model.RequestStatusCompleted,
		model.RequestStatusFailed,
	},
}

// LegalTransition reports whether the (from, to) edge is in the table.
func LegalTransition(from, to model.RequestStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// keyedMutex serialises work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Engine mediates the mix-request lifecycle.
type Engine struct {
	store    store.Store
	pools    *pool.Manager
	adapters *chain.Registry
	codec    *mixcrypto.Codec
	keys     keystore.KeyStore
	cache    *cache.Cache
	audit    *audit.Recorder
	cfg      config.MixerConfig
	log      *logrus.Entry

	requests keyedMutex
}

// New creates the engine.
func New(
	st store.Store,
	pools *pool.Manager,
	adapters *chain.Registry,
	codec *mixcrypto.Codec,
	keys keystore.KeyStore,
	c *cache.Cache,
	rec *audit.Recorder,
	cfg config.MixerConfig,
	log *logrus.Entry,
) *Engine {
	return &Engine{
		store:    st,
		pools:    pools,
		adapters: adapters,
		codec:    codec,
		keys:     keys,
		cache:    c,
		audit:    rec,
		cfg:      cfg,
		log:      log,
		requests: keyedMutex{locks: make(map[string]*sync.Mutex)},
	}
}

// Transition applies one legal state-machine edge.
func (e *Engine) Transition(ctx context.Context, id string, from, to model.RequestStatus) error {
	if !LegalTransition(from, to) {
		return mixerr.Validation("illegal state transition").
			WithDetail("from", string(from)).WithDetail("to", string(to))
	}
	return e.store.TransitionRequest(ctx, id, from, to)
}

// CreateParams is the input of request admission.
type CreateParams struct {
	SessionID          string
	Currency           currency.Currency
	Amount             decimal.Decimal
	FeePercentage      decimal.Decimal
	Outputs            []model.OutputConfig
	DelayHours         int
	AnonymitySetTarget int
	Metadata           model.RequestMetadata
	ExpiresIn          time.Duration
}

func (e *Engine) validateCreate(ctx context.Context, p *CreateParams) error {
	if len(p.SessionID) < 10 || len(p.SessionID) > 64 {
		return mixerr.Validation("session id must be 10-64 characters")
	}
	if !currency.IsSupported(p.Currency) {
		return mixerr.Validation("unsupported currency").WithDetail("currency", string(p.Currency))
	}
	if !currency.InRange(p.Currency, p.Amount) {
		info := currency.MustGet(p.Currency)
		return mixerr.Validation("amount out of range").
			WithDetail("min", info.MinAmount.String()).
			WithDetail("max", info.MaxAmount.String())
	}
	if p.FeePercentage.Sign() < 0 || p.FeePercentage.Cmp(decimal.NewFromInt(10)) > 0 {
		return mixerr.Validation("fee percentage must lie in [0,10]")
	}

	shares := make([]currency.OutputShare, len(p.Outputs))
	seen := make(map[string]bool, len(p.Outputs))
	for i, o := range p.Outputs {
		if _, err := currency.ValidateAddress(p.Currency, o.Address); err != nil {
			return err
		}
		if seen[o.Address] {
			return mixerr.Validation("output addresses must be pairwise distinct").
				WithDetail("address", o.Address)
		}
		seen[o.Address] = true
		if o.DelayHours < 0 {
			return mixerr.Validation("output delay must not be negative")
		}
		shares[i] = currency.OutputShare{Address: o.Address, Percentage: o.Percentage}
	}
	if err := currency.ValidateShares(shares); err != nil {
		return err
	}

	if _, err := e.store.GetRequestBySession(ctx, p.SessionID); err == nil {
		return mixerr.Validation("session id already in use").WithDetail("session_id", p.SessionID)
	} else if !mixerr.IsNotFound(err) {
		return err
	}
	return nil
}

// riskScore is a deterministic 0-100 heuristic: wide fan-out, zero delay and
// amounts close to the currency maximum raise the score.
func riskScore(p *CreateParams) int {
	score := 5 * len(p.Outputs)
	if p.DelayHours == 0 {
		score += 20
	}
	info := currency.MustGet(p.Currency)
	ratio := p.Amount.Div(info.MaxAmount)
	score += int(ratio.Mul(decimal.NewFromInt(50)).IntPart())
	if score > 100 {
		score = 100
	}
	return score
}

// CreateRequest validates, allocates a deposit address, registers the
// watchpoint and persists the request in PENDING.
func (e *Engine) CreateRequest(ctx context.Context, p CreateParams) (*model.MixRequest, error) {
	if err := e.validateCreate(ctx, &p); err != nil {
		return nil, err
	}

	adapter, err := e.adapters.Get(p.Currency)
	if err != nil {
		return nil, err
	}
	addr, err := adapter.NewAddress(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	for _, o := range p.Outputs {
		if o.Address == addr.Address {
			return nil, mixerr.Validation("output address equals deposit address").
				WithDetail("address", o.Address)
		}
	}
	if live, err := e.store.LiveAddressExists(ctx, addr.Address, p.Currency); err != nil {
		return nil, err
	} else if live {
		return nil, mixerr.Consistency("deposit address already live", nil).
			WithDetail("address", addr.Address)
	}

	if p.ExpiresIn <= 0 {
		p.ExpiresIn = time.Duration(e.cfg.ExpiryHours) * time.Hour
	}
	now := time.Now().UTC()
	fee := currency.ComputeFee(p.Currency, p.Amount, p.FeePercentage)
	req := &model.MixRequest{
		SessionID:          p.SessionID,
		Currency:           p.Currency,
		Amount:             p.Amount,
		FeePercentage:      p.FeePercentage,
		FeeAmount:          fee,
		OutputAmount:       currency.Round(p.Currency, p.Amount.Sub(fee)),
		Status:             model.RequestStatusPending,
		DepositAddress:     addr.Address,
		Outputs:            p.Outputs,
		DelayHours:         p.DelayHours,
		AnonymitySetTarget: p.AnonymitySetTarget,
		RiskScore:          riskScore(&p),
		ExpiresAt:          now.Add(p.ExpiresIn),
	}

	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, mixerr.Validation("unencodable metadata")
	}
	env, err := e.codec.Encrypt(mixcrypto.DataUserMetadata, metaJSON)
	if err != nil {
		return nil, err
	}
	req.EncryptedMetadata, err = env.Marshal()
	if err != nil {
		return nil, mixerr.Crypto("marshal envelope", err)
	}
	req.KeyVersion = env.Version

	err = e.store.WithinTx(ctx, func(ctx context.Context, st store.Store) error {
		deposit := &model.DepositAddress{
			Currency:       p.Currency,
			Address:        addr.Address,
			KeyHandle:      addr.KeyHandle,
			DerivationPath: addr.DerivationPath,
			DerivationIdx:  addr.Index,
			ExpiresAt:      req.ExpiresAt,
		}
		if err := st.CreateRequest(ctx, req); err != nil {
			return err
		}
		deposit.RequestID = req.ID
		if err := st.CreateAddress(ctx, deposit); err != nil {
			return err
		}
		req.DepositAddressID = deposit.ID
		if err := st.UpdateRequest(ctx, req); err != nil {
			return err
		}
		return st.CreateWatchpoint(ctx, &model.Watchpoint{
			Currency:       p.Currency,
			Address:        addr.Address,
			RequestID:      req.ID,
			Kind:           model.WatchDeposit,
			ExpectedAmount: p.Amount,
			ExpiresAt:      req.ExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}

	_ = e.cache.Set(ctx, "request:session:"+req.SessionID, req, 0)

	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventMixRequestCreated,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Payload: map[string]interface{}{
			"currency":        string(req.Currency),
			"amount":          req.Amount.String(),
			"outputs":         len(req.Outputs),
			"deposit_address": req.DepositAddress,
			"risk_score":      req.RiskScore,
		},
	})
	e.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"currency":   string(req.Currency),
		"amount":     req.Amount.String(),
	}).Info("mix request created")
	return req, nil
}

// GetBySession resolves a request through the cache.
func (e *Engine) GetBySession(ctx context.Context, sessionID string) (*model.MixRequest, error) {
	var cached model.MixRequest
	if hit, err := e.cache.Get(ctx, "request:session:"+sessionID, &cached); err == nil && hit {
		return &cached, nil
	}
	req, err := e.store.GetRequestBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Set(ctx, "request:session:"+sessionID, req, 0)
	return req, nil
}

// HandleDepositConfirmed advances PENDING to PROCESSING on a qualifying
// deposit and admits the contribution into a pool. Re-delivery for an
// already-admitted request is a no-op.
func (e *Engine) HandleDepositConfirmed(ctx context.Context, requestID, txID string, amount decimal.Decimal) error {
	unlock := e.requests.lock(requestID)
	defer unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusPending {
		return nil // idempotent re-delivery
	}

	// Fee is recomputed and frozen at deposit time.
	req.FeeAmount = currency.ComputeFee(req.Currency, req.Amount, req.FeePercentage)
	req.OutputAmount = currency.Round(req.Currency, req.Amount.Sub(req.FeeAmount))
	req.DepositTxID = txID
	req.Status = model.RequestStatusProcessing
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	if req.DepositAddressID != "" {
		if err := e.store.MarkAddressUsed(ctx, req.DepositAddressID, time.Now().UTC()); err != nil {
			e.log.WithError(err).Warn("mark deposit address used failed")
		}
	}
	_ = e.cache.Delete(ctx, "request:session:"+req.SessionID)

	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventDepositReceived,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Payload: map[string]interface{}{
			"tx_id":  txID,
			"amount": amount.String(),
		},
	})

	if err := e.admit(ctx, req); err != nil && !mixerr.IsCapacity(err) {
		return err
	}
	return nil
}

// admit places a PROCESSING contribution into a suitable pool. Capacity
// shortfalls leave the request unpooled for the next sweep.
func (e *Engine) admit(ctx context.Context, req *model.MixRequest) error {
	p, err := e.pools.SelectPool(ctx, req.Currency, req.OutputAmount)
	if err != nil {
		return err
	}
	p, err = e.pools.TryAdmit(ctx, p.ID, req.OutputAmount, req.ID)
	if err != nil {
		return err
	}
	req.PoolID = p.ID
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	_ = e.cache.InvalidatePrefix(ctx, "pool:"+string(req.Currency))
	return nil
}

// AdmitUnpooled sweeps PROCESSING requests that missed pool capacity.
func (e *Engine) AdmitUnpooled(ctx context.Context) error {
	reqs, err := e.store.ListUnpooledRequests(ctx, 0)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := e.admit(ctx, req); err != nil && !mixerr.IsCapacity(err) {
			e.log.WithError(err).WithField("request_id", req.ID).Warn("pool admission failed")
		}
	}
	return nil
}

// ExpireRequest fires the PENDING to EXPIRED edge once expiry has passed and
// decommissions the deposit address.
func (e *Engine) ExpireRequest(ctx context.Context, requestID string) error {
	unlock := e.requests.lock(requestID)
	defer unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusPending || time.Now().Before(req.ExpiresAt) {
		return nil
	}
	if err := e.Transition(ctx, req.ID, model.RequestStatusPending, model.RequestStatusExpired); err != nil {
		return err
	}

	if req.DepositAddressID != "" {
		if err := e.store.DecommissionAddress(ctx, req.DepositAddressID); err != nil {
			e.log.WithError(err).Warn("decommission deposit address failed")
		}
		if addr, err := e.store.GetAddressByRequest(ctx, req.ID); err == nil && addr.KeyHandle != "" {
			_ = e.keys.Revoke(ctx, addr.KeyHandle)
		}
	}
	if wp, err := e.store.GetWatchpointByRequest(ctx, req.ID, model.WatchDeposit); err == nil {
		_ = e.store.DeleteWatchpoint(ctx, wp.ID)
	}
	_ = e.cache.Delete(ctx, "request:session:"+req.SessionID)

	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventMixRequestUpdated,
		Status:    audit.StatusCancelled,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Payload:   map[string]interface{}{"status": string(model.RequestStatusExpired)},
	})
	return nil
}

// ExpireDue sweeps all expired PENDING requests.
func (e *Engine) ExpireDue(ctx context.Context) error {
	reqs, err := e.store.ListExpiredRequests(ctx, time.Now().UTC(), 0)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := e.ExpireRequest(ctx, req.ID); err != nil {
			e.log.WithError(err).WithField("request_id", req.ID).Warn("expiry failed")
		}
	}
	return nil
}

// CancelRequest cancels a request that has not received a deposit.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) error {
	unlock := e.requests.lock(requestID)
	defer unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := e.Transition(ctx, req.ID, model.RequestStatusPending, model.RequestStatusCancelled); err != nil {
		return err
	}
	_ = e.cache.Delete(ctx, "request:session:"+req.SessionID)
	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventMixRequestUpdated,
		Status:    audit.StatusCancelled,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Payload:   map[string]interface{}{"status": string(model.RequestStatusCancelled)},
	})
	return nil
}

// FailRequest drives a request to terminal FAILED from whatever non-terminal
// state it is in.
func (e *Engine) FailRequest(ctx context.Context, requestID, reason string) error {
	unlock := e.requests.lock(requestID)
	defer unlock()
	return e.failLocked(ctx, requestID, reason)
}

func (e *Engine) failLocked(ctx context.Context, requestID, reason string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}
	if err := e.Transition(ctx, req.ID, req.Status, model.RequestStatusFailed); err != nil {
		return err
	}
	_ = e.cache.Delete(ctx, "request:session:"+req.SessionID)

	obligations, _ := e.store.ListObligationsByRequest(ctx, req.ID)
	snapshot, _ := json.Marshal(obligations)
	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventMixRequestFailed,
		Severity:  audit.SeverityError,
		Status:    audit.StatusFailure,
		SessionID: req.SessionID,
		RequestID: req.ID,
		After:     snapshot,
		Payload:   map[string]interface{}{"reason": reason},
	})
	return nil
}

// ObligationConfirmed is called by the scheduler when one obligation reaches
// CONFIRMED; when the whole set is confirmed the request completes.
func (e *Engine) ObligationConfirmed(ctx context.Context, requestID string) error {
	unlock := e.requests.lock(requestID)
	defer unlock()

	remaining, err := e.store.CountUnconfirmedObligations(ctx, requestID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != model.RequestStatusSending {
		return nil // already completed or failed
	}
	if err := e.Transition(ctx, req.ID, model.RequestStatusSending, model.RequestStatusCompleted); err != nil {
		return err
	}
	_ = e.cache.Delete(ctx, "request:session:"+req.SessionID)

	e.audit.Emit(ctx, audit.Event{
		Type:      audit.EventMixRequestCompleted,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Payload:   map[string]interface{}{"output_amount": req.OutputAmount.String()},
	})
	e.log.WithField("request_id", req.ID).Info("mix request completed")
	return nil
}

// ObligationFailedTerminally is called by the scheduler when an obligation
// exhausts its retries or hits a permanent rejection.
func (e *Engine) ObligationFailedTerminally(ctx context.Context, requestID, reason string) error {
	return e.FailRequest(ctx, requestID, reason)
}
