// Package chain exposes a uniform adapter facade over the upstream node RPCs
// of every supported currency. Adapters are safe for concurrent use and wrap
// every upstream call in the shared retry / classification policy.
package chain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/model"
)

// FeeMode selects the estimation strategy.
type FeeMode string

const (
	FeeModeConservative FeeMode = "CONSERVATIVE"
	FeeModeEconomical   FeeMode = "ECONOMICAL"
)

// Address is a freshly provisioned deposit address.
type Address struct {
	Address        string
	KeyHandle      string
	DerivationPath string
	Index          int
}

// UTXO is one unspent output on a UTXO chain.
type UTXO struct {
	TxID          string
	Vout          uint32
	Address       string
	Amount        decimal.Decimal
	Confirmations int
	Spendable     bool
}

// BuildSpec describes one outbound transaction to sign and broadcast.
type BuildSpec struct {
	From           string
	To             string
	Amount         decimal.Decimal
	FeeRate        decimal.Decimal
	UseInstantSend bool
	Shielded       bool
	Memo           string
}

// HealthStatus is the adapter's view of its upstream node.
type HealthStatus struct {
	Connected bool
	Peers     int
	Height    uint64
	Warnings  []string
	CheckedAt time.Time
}

// Adapter is the uniform capability set every currency implements.
type Adapter interface {
	Currency() currency.Currency

	NewAddress(ctx context.Context, label string) (Address, error)
	ValidateAddress(addr string) (currency.AddressKind, error)
	GetReceived(ctx context.Context, addr string, minConfirmations int) (decimal.Decimal, error)
	GetTransaction(ctx context.Context, txid string) (*model.ObservedChainTx, error)
	// ListUnspent is only meaningful on UTXO chains; account-model adapters
	// return a validation error.
	ListUnspent(ctx context.Context, minConf, maxConf int, addrs []string) ([]UTXO, error)
	EstimateFee(ctx context.Context, targetBlocks int, mode FeeMode) (decimal.Decimal, error)
	SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error)
	BestHeight(ctx context.Context) (uint64, error)
	Health(ctx context.Context) (HealthStatus, error)

	// Connected reflects the background health probe's latest verdict.
	Connected() bool
	// Disconnect stops the health probe and refuses new calls.
	Disconnect()
}

// OperationState is the lifecycle of an async node-side operation (Zcash
// shielded transfers).
type OperationState string

const (
	OpQueued    OperationState = "queued"
	OpExecuting OperationState = "executing"
	OpSuccess   OperationState = "success"
	OpFailed    OperationState = "failed"
	OpCancelled OperationState = "cancelled"
)

// OperationHandle references an async operation on the upstream node.
type OperationHandle string
