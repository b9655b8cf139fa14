// Package store is the persistence layer. Repositories expose typed query
// methods with their predicates fixed in code; the relational store is the
// source of truth and optimistic version guards protect concurrent writers.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/model"
)

// RequestStore persists mix requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *model.MixRequest) error
	GetRequest(ctx context.Context, id string) (*model.MixRequest, error)
	GetRequestBySession(ctx context.Context, sessionID string) (*model.MixRequest, error)
	// UpdateRequest persists all mutable columns, guarded by the version
	// column; a stale version yields a consistency error.
	UpdateRequest(ctx context.Context, req *model.MixRequest) error
	// TransitionRequest moves a request from one status to another with a
	// status-guarded update. It fails with a consistency error when the row
	// is no longer in from.
	TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) error
	ListRequestsByStatus(ctx context.Context, c currency.Currency, status model.RequestStatus, limit int) ([]*model.MixRequest, error)
	ListRequestsByPool(ctx context.Context, poolID string) ([]*model.MixRequest, error)
	// ListUnpooledRequests lists PROCESSING requests not yet admitted into a
	// pool.
	ListUnpooledRequests(ctx context.Context, limit int) ([]*model.MixRequest, error)
	ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*model.MixRequest, error)
	SoftDeleteRequest(ctx context.Context, id string) error
	// ListRequestsBelowKeyVersion pages records whose envelopes were written
	// under an older key epoch.
	ListRequestsBelowKeyVersion(ctx context.Context, version int, limit int) ([]*model.MixRequest, error)
	CountRequestsByStatus(ctx context.Context) (map[model.RequestStatus]int64, error)
}

// AddressStore persists deposit addresses.
type AddressStore interface {
	CreateAddress(ctx context.Context, addr *model.DepositAddress) error
	GetAddressByRequest(ctx context.Context, requestID string) (*model.DepositAddress, error)
	GetAddress(ctx context.Context, address string, c currency.Currency) (*model.DepositAddress, error)
	// MarkAddressUsed sets used and first_used_at once; later calls are
	// no-ops.
	MarkAddressUsed(ctx context.Context, id string, at time.Time) error
	// LiveAddressExists reports whether the address is attached to any
	// request that is not terminal.
	LiveAddressExists(ctx context.Context, address string, c currency.Currency) (bool, error)
	// DecommissionAddress releases an address after expiry.
	DecommissionAddress(ctx context.Context, id string) error
}

// PoolStore persists transaction pools.
type PoolStore interface {
	CreatePool(ctx context.Context, p *model.Pool) error
	GetPool(ctx context.Context, id string) (*model.Pool, error)
	// UpdatePool persists pool state guarded by the optimistic version
	// counter.
	UpdatePool(ctx context.Context, p *model.Pool) error
	ListPoolsByCurrency(ctx context.Context, c currency.Currency, statuses []model.PoolStatus) ([]*model.Pool, error)
	ListPoolsByStatus(ctx context.Context, status model.PoolStatus, limit int) ([]*model.Pool, error)
}

// ObligationStore persists output obligations.
type ObligationStore interface {
	CreateObligations(ctx context.Context, obs []*model.OutputObligation) error
	GetObligation(ctx context.Context, id string) (*model.OutputObligation, error)
	GetObligationByTxID(ctx context.Context, c currency.Currency, txID string) (*model.OutputObligation, error)
	UpdateObligation(ctx context.Context, ob *model.OutputObligation) error
	// ListDueObligations selects dispatchable work: PENDING, scheduled in
	// the past, retries remaining; ordered priority DESC, scheduled_at ASC.
	ListDueObligations(ctx context.Context, now time.Time, limit int) ([]*model.OutputObligation, error)
	ListObligationsByRequest(ctx context.Context, requestID string) ([]*model.OutputObligation, error)
	ListObligationsInFlight(ctx context.Context, limit int) ([]*model.OutputObligation, error)
	ListOverdueObligations(ctx context.Context, threshold time.Time, limit int) ([]*model.OutputObligation, error)
	CountUnconfirmedObligations(ctx context.Context, requestID string) (int64, error)
}

// ChainTxStore persists observed chain transactions.
type ChainTxStore interface {
	// UpsertChainTx inserts or refreshes the (currency, tx_id) record. A
	// confirmed record never downgrades to unconfirmed here.
	UpsertChainTx(ctx context.Context, tx *model.ObservedChainTx) error
	GetChainTx(ctx context.Context, c currency.Currency, txID string) (*model.ObservedChainTx, error)
	// InjectReorg downgrades confirmed records at or above height and
	// returns their tx ids so the engine can reopen the obligations that
	// broadcast them. It is the only path that un-confirms a record.
	InjectReorg(ctx context.Context, c currency.Currency, height uint64) ([]string, error)
}

// WalletStore persists wallets with reservation accounting. available is
// recomputed from balance and reserved on every write.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	// SelectWallet picks the non-compromised wallet of the currency with the
	// most available balance covering amount.
	SelectWallet(ctx context.Context, c currency.Currency, amount decimal.Decimal) (*model.Wallet, error)
	// ReserveWallet atomically moves amount from available to reserved; it
	// fails with a capacity error when available is insufficient.
	ReserveWallet(ctx context.Context, id string, amount decimal.Decimal) error
	// ReleaseWallet returns a reservation to available.
	ReleaseWallet(ctx context.Context, id string, amount decimal.Decimal) error
	// ConsumeReservation settles a confirmed spend: balance and reserved
	// both drop by amount.
	ConsumeReservation(ctx context.Context, id string, amount decimal.Decimal) error
	CreditWallet(ctx context.Context, id string, amount decimal.Decimal) error
	MarkWalletCompromised(ctx context.Context, id string) error
	ListWallets(ctx context.Context, c currency.Currency) ([]*model.Wallet, error)
}

// WatchStore persists monitor watchpoints.
type WatchStore interface {
	CreateWatchpoint(ctx context.Context, w *model.Watchpoint) error
	ListDueWatchpoints(ctx context.Context, c currency.Currency, kind model.WatchKind, now time.Time, limit int) ([]*model.Watchpoint, error)
	ListExpiredWatchpoints(ctx context.Context, c currency.Currency, now time.Time, limit int) ([]*model.Watchpoint, error)
	// MarkWatchpointDetected retires a watchpoint with a compare-and-set on
	// detected=false; racing retirements settle by first write and the
	// second call reports no rows changed via the returned bool.
	MarkWatchpointDetected(ctx context.Context, id string, txID string) (bool, error)
	TouchWatchpoint(ctx context.Context, id string, at time.Time) error
	DeleteWatchpoint(ctx context.Context, id string) error
	GetWatchpointByRequest(ctx context.Context, requestID string, kind model.WatchKind) (*model.Watchpoint, error)
}

// Store aggregates every repository plus transaction scoping.
type Store interface {
	RequestStore
	AddressStore
	PoolStore
	ObligationStore
	ChainTxStore
	WalletStore
	WatchStore

	// WithinTx runs fn with a Store whose operations share one database
	// transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
