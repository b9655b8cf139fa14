package chain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
)

// ZcashAdapter extends the Bitcoin family with the shielded pool. Shielded
// transfers are asynchronous on the node: z_sendmany returns an operation id
// that is polled to completion.
type ZcashAdapter struct {
	*bitcoinFamily
	// OperationWait bounds WaitOperation when the caller passes no budget.
	OperationWait time.Duration
	pollInterval  time.Duration
}

// NewZcash creates the ZEC adapter.
func NewZcash(cfg BitcoinFamilyConfig, metrics *Metrics, log *logrus.Entry) *ZcashAdapter {
	return &ZcashAdapter{
		bitcoinFamily: newBitcoinFamily(currency.ZEC, cfg, metrics, log),
		OperationWait: 300 * time.Second,
		pollInterval:  2 * time.Second,
	}
}

// NewShieldedAddress provisions a sapling address on the node wallet.
func (a *ZcashAdapter) NewShieldedAddress(ctx context.Context) (Address, error) {
	if err := a.guard(); err != nil {
		return Address{}, err
	}
	res, err := a.rpc.Call(ctx, "z_getnewaddress", []interface{}{"sapling"})
	if err != nil {
		return Address{}, err
	}
	addr := res.String()
	return Address{
		Address:   addr,
		KeyHandle: "node:" + a.cfg.WalletName + ":" + addr,
	}, nil
}

// SignAndBroadcast routes transparent sends through the family path and
// shielded sends through z_sendmany + operation polling.
func (a *ZcashAdapter) SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error) {
	if !spec.Shielded && !currency.IsShielded(spec.To) && !currency.IsShielded(spec.From) {
		return a.bitcoinFamily.SignAndBroadcast(ctx, spec, keyHandle)
	}
	op, err := a.beginSend(ctx, spec.From, spec.To, spec.Amount)
	if err != nil {
		a.metrics.ObserveBroadcast(string(a.curr), err)
		return "", err
	}
	txid, err := a.WaitOperation(ctx, op, a.OperationWait)
	a.metrics.ObserveBroadcast(string(a.curr), err)
	return txid, err
}

// Shield begins a transparent-to-shielded transfer and returns the operation
// handle.
func (a *ZcashAdapter) Shield(ctx context.Context, fromTransparent, toShielded string, amount decimal.Decimal) (OperationHandle, error) {
	if !currency.IsShielded(toShielded) {
		return "", mixerr.Validation("destination is not a shielded address").WithDetail("address", toShielded)
	}
	return a.beginSend(ctx, fromTransparent, toShielded, amount)
}

// Unshield begins a shielded-to-transparent transfer and returns the
// operation handle.
func (a *ZcashAdapter) Unshield(ctx context.Context, fromShielded, toTransparent string, amount decimal.Decimal) (OperationHandle, error) {
	if currency.IsShielded(toTransparent) {
		return "", mixerr.Validation("destination is not a transparent address").WithDetail("address", toTransparent)
	}
	return a.beginSend(ctx, fromShielded, toTransparent, amount)
}

func (a *ZcashAdapter) beginSend(ctx context.Context, from, to string, amount decimal.Decimal) (OperationHandle, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	recipients := []map[string]interface{}{
		{"address": to, "amount": json.Number(amount.String())},
	}
	res, err := a.rpc.Call(ctx, "z_sendmany", []interface{}{from, recipients, 1})
	if err != nil {
		return "", err
	}
	return OperationHandle(res.String()), nil
}

// OperationStatus polls one async operation. The txid is populated once the
// operation succeeds.
func (a *ZcashAdapter) OperationStatus(ctx context.Context, op OperationHandle) (OperationState, string, error) {
	if err := a.guard(); err != nil {
		return "", "", err
	}
	res, err := a.rpc.Call(ctx, "z_getoperationstatus", []interface{}{[]string{string(op)}})
	if err != nil {
		return "", "", err
	}
	entries := res.Array()
	if len(entries) == 0 {
		return "", "", mixerr.NotFound("operation", string(op))
	}
	entry := entries[0]
	state := OperationState(entry.Get("status").String())
	switch state {
	case OpSuccess:
		return state, entry.Get("result.txid").String(), nil
	case OpFailed:
		return state, "", mixerr.Permanent("shielded operation failed", nil).
			WithDetail("operation", string(op)).
			WithDetail("error", entry.Get("error.message").String())
	case OpCancelled:
		return state, "", mixerr.Permanent("shielded operation cancelled", nil).
			WithDetail("operation", string(op))
	case OpQueued, OpExecuting:
		return state, "", nil
	}
	return state, "", mixerr.Permanent("unknown operation state", nil).
		WithDetail("state", string(state))
}

// WaitOperation polls the operation until success, terminal failure or the
// wait budget elapses.
func (a *ZcashAdapter) WaitOperation(ctx context.Context, op OperationHandle, budget time.Duration) (string, error) {
	if budget <= 0 {
		budget = a.OperationWait
	}
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		state, txid, err := a.OperationStatus(ctx, op)
		if err != nil && !mixerr.IsTransient(err) {
			return "", err
		}
		if err == nil && state == OpSuccess {
			return txid, nil
		}
		if time.Now().After(deadline) {
			return "", mixerr.Timeout("z_getoperationstatus").
				WithDetail("operation", string(op))
		}
		select {
		case <-ctx.Done():
			return "", mixerr.Timeout("z_getoperationstatus")
		case <-ticker.C:
		}
	}
}
