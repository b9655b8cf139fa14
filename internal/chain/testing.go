package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// Fake is a scriptable in-memory Adapter for component tests.
type Fake struct {
	Curr currency.Currency

	mu            sync.Mutex
	addressQueue  []string
	addressSerial int
	received      map[string]decimal.Decimal
	txs           map[string]*model.ObservedChainTx
	broadcastErrs []error
	Broadcasts    []BuildSpec
	Height        uint64
	Offline       bool
	// SkipValidation lets tests use synthetic destination addresses.
	SkipValidation bool
}

// NewFake creates a fake adapter for the currency.
func NewFake(c currency.Currency) *Fake {
	return &Fake{
		Curr:     c,
		received: make(map[string]decimal.Decimal),
		txs:      make(map[string]*model.ObservedChainTx),
		Height:   1000,
	}
}

// QueueAddress scripts the next NewAddress result.
func (f *Fake) QueueAddress(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addressQueue = append(f.addressQueue, addr)
}

// SetReceived scripts an address balance.
func (f *Fake) SetReceived(addr string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[addr] = amount
}

// SetTransaction scripts a chain transaction.
func (f *Fake) SetTransaction(tx *model.ObservedChainTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.TxID] = tx
}

// FailBroadcasts scripts errors for the next broadcasts, in order.
func (f *Fake) FailBroadcasts(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastErrs = append(f.broadcastErrs, errs...)
}

func (f *Fake) Currency() currency.Currency { return f.Curr }

func (f *Fake) NewAddress(ctx context.Context, label string) (Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.addressQueue) > 0 {
		addr := f.addressQueue[0]
		f.addressQueue = f.addressQueue[1:]
		return Address{Address: addr, KeyHandle: "fake:" + addr}, nil
	}
	f.addressSerial++
	addr := fmt.Sprintf("fake-%s-%d", f.Curr, f.addressSerial)
	return Address{Address: addr, KeyHandle: "fake:" + addr}, nil
}

func (f *Fake) ValidateAddress(addr string) (currency.AddressKind, error) {
	if f.SkipValidation {
		return currency.KindAccount, nil
	}
	return currency.ValidateAddress(f.Curr, addr)
}

func (f *Fake) GetReceived(ctx context.Context, addr string, minConfirmations int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[addr], nil
}

func (f *Fake) GetTransaction(ctx context.Context, txid string) (*model.ObservedChainTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return nil, mixerr.NotFound("transaction", txid)
	}
	c := *tx
	return &c, nil
}

func (f *Fake) ListUnspent(ctx context.Context, minConf, maxConf int, addrs []string) ([]UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var utxos []UTXO
	for _, addr := range addrs {
		if amount, ok := f.received[addr]; ok && amount.Sign() > 0 {
			utxos = append(utxos, UTXO{
				TxID:          "utxo-" + addr,
				Address:       addr,
				Amount:        amount,
				Confirmations: minConf,
				Spendable:     true,
			})
		}
	}
	return utxos, nil
}

func (f *Fake) EstimateFee(ctx context.Context, targetBlocks int, mode FeeMode) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.0001"), nil
}

func (f *Fake) SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.Broadcasts = append(f.Broadcasts, spec)
	return fmt.Sprintf("tx-%s-%d", f.Curr, len(f.Broadcasts)), nil
}

func (f *Fake) BestHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Height, nil
}

func (f *Fake) Health(ctx context.Context) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return HealthStatus{Connected: !f.Offline, Height: f.Height}, nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Offline
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Offline = true
}

var _ Adapter = (*Fake)(nil)
