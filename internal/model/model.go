// Package model holds the durable records of the mixer core. Records are
// plain data; invariants and state-change side effects live in the engine and
// pool packages, the persistence layer only enforces column constraints.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
)

// RequestStatus is the lifecycle state of a mix request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusMixing     RequestStatus = "MIXING"
	RequestStatusSending    RequestStatus = "SENDING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
	RequestStatusExpired    RequestStatus = "EXPIRED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusExpired, RequestStatusCancelled:
		return true
	}
	return false
}

// OutputConfig is one entry of a request's output configuration.
type OutputConfig struct {
	Address    string          `json:"address"`
	Percentage decimal.Decimal `json:"percentage"`
	DelayHours int             `json:"delay_hours,omitempty"`
}

// RequestMetadata is the sensitive request context stored encrypted at rest.
type RequestMetadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// MixRequest is one user intent to mix funds.
type MixRequest struct {
	ID            string            `db:"id"`
	SessionID     string            `db:"session_id"`
	Currency      currency.Currency `db:"currency"`
	Amount        decimal.Decimal   `db:"amount"`
	FeePercentage decimal.Decimal   `db:"fee_percentage"`
	FeeAmount     decimal.Decimal   `db:"fee_amount"`
	OutputAmount  decimal.Decimal   `db:"output_amount"`
	TotalAmount   decimal.Decimal   `db:"total_amount"`
	Status        RequestStatus     `db:"status"`

	DepositAddressID string         `db:"deposit_address_id"`
	DepositAddress   string         `db:"deposit_address"`
	DepositTxID      string         `db:"deposit_tx_id"`
	Outputs          []OutputConfig `db:"-"`

	DelayHours         int `db:"delay_hours"`
	AnonymitySetTarget int `db:"anonymity_set_target"`
	RiskScore          int `db:"risk_score"`

	PoolID string `db:"pool_id"`

	// EncryptedMetadata is the envelope-wrapped RequestMetadata blob.
	EncryptedMetadata []byte `db:"encrypted_metadata"`
	KeyVersion        int    `db:"key_version"`

	ExpiresAt   time.Time  `db:"expires_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
	Version     int        `db:"version"`
}

// DepositAddress is the one-shot inbound address of a request.
type DepositAddress struct {
	ID             string            `db:"id"`
	RequestID      string            `db:"request_id"`
	Currency       currency.Currency `db:"currency"`
	Address        string            `db:"address"`
	KeyHandle      string            `db:"key_handle"`
	DerivationPath string            `db:"derivation_path"`
	DerivationIdx  int               `db:"derivation_index"`
	Used           bool              `db:"used"`
	FirstUsedAt    *time.Time        `db:"first_used_at"`
	ExpiresAt      time.Time         `db:"expires_at"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

// PoolStatus is the lifecycle state of a transaction pool.
type PoolStatus string

const (
	PoolStatusWaiting   PoolStatus = "WAITING"
	PoolStatusFilling   PoolStatus = "FILLING"
	PoolStatusReady     PoolStatus = "READY"
	PoolStatusMixing    PoolStatus = "MIXING"
	PoolStatusCompleted PoolStatus = "COMPLETED"
	PoolStatusCancelled PoolStatus = "CANCELLED"
)

// Pool is a per-currency bounded accumulator of contributions.
type Pool struct {
	ID       string            `db:"id"`
	Currency currency.Currency `db:"currency"`
	Status   PoolStatus        `db:"status"`

	TargetAmount   decimal.Decimal `db:"target_amount"`
	MinAmount      decimal.Decimal `db:"min_amount"`
	MaxAmount      decimal.Decimal `db:"max_amount"`
	CurrentAmount  decimal.Decimal `db:"current_amount"`
	FeePercentage  decimal.Decimal `db:"fee_percentage"`
	MinParticipants int            `db:"min_participants"`
	MaxParticipants int            `db:"max_participants"`
	Participants    int            `db:"participants"`

	Locked          bool            `db:"locked"`
	RoundsPlanned   int             `db:"rounds_planned"`
	RoundsCompleted int             `db:"rounds_completed"`
	AnonymitySet    int             `db:"anonymity_set"`
	AverageAmount   decimal.Decimal `db:"average_amount"`
	SuccessRate     decimal.Decimal `db:"success_rate"`
	Priority        int             `db:"priority"`

	StartedAt *time.Time `db:"started_at"`
	LockedAt  *time.Time `db:"locked_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	Version   int        `db:"version"`
}

// Active reports whether the pool may accept contributions.
func (p *Pool) Active() bool {
	return p.Status == PoolStatusWaiting || p.Status == PoolStatusFilling
}

// ObligationStatus is the lifecycle state of an outbound obligation.
type ObligationStatus string

const (
	ObligationStatusPending      ObligationStatus = "PENDING"
	ObligationStatusBroadcasting ObligationStatus = "BROADCASTING"
	ObligationStatusMempool      ObligationStatus = "MEMPOOL"
	ObligationStatusConfirmed    ObligationStatus = "CONFIRMED"
	ObligationStatusFailed       ObligationStatus = "FAILED"
)

// OutputObligation is a single outbound transaction the system has committed
// to execute for a request.
type OutputObligation struct {
	ID        string            `db:"id"`
	RequestID string            `db:"request_id"`
	Currency  currency.Currency `db:"currency"`

	FromWalletID string          `db:"from_wallet_id"`
	FromAddress  string          `db:"from_address"`
	ToAddress    string          `db:"to_address"`
	Amount       decimal.Decimal `db:"amount"`
	Percentage   decimal.Decimal `db:"percentage"`

	Status        ObligationStatus `db:"status"`
	ScheduledAt   time.Time        `db:"scheduled_at"`
	BroadcastTxID string           `db:"broadcast_tx_id"`
	BlockHeight   uint64           `db:"block_height"`
	Confirmations int              `db:"confirmations"`
	RequiredConfs int              `db:"required_confirmations"`

	UseInstantSend bool `db:"use_instant_send"`
	Shielded       bool `db:"shielded"`

	RetryCount  int        `db:"retry_count"`
	MaxRetries  int        `db:"max_retries"`
	Priority    int        `db:"priority"`
	OutputIndex int        `db:"output_index"`
	TotalOutputs int       `db:"total_outputs"`
	LastError   string     `db:"last_error"`
	ConfirmedAt *time.Time `db:"confirmed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
	Version     int        `db:"version"`
}

// ChainTxType categorises observed chain transactions.
type ChainTxType string

const (
	ChainTxInput    ChainTxType = "INPUT"
	ChainTxOutput   ChainTxType = "OUTPUT"
	ChainTxInternal ChainTxType = "INTERNAL"
)

// TxEndpoint is one input or output of an observed chain transaction.
type TxEndpoint struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// ObservedChainTx is the canonicalised record of a transaction the system
// touched. It may outlive the request that produced it.
type ObservedChainTx struct {
	ID        string            `db:"id"`
	TxID      string            `db:"tx_id"`
	Currency  currency.Currency `db:"currency"`
	RequestID string            `db:"request_id"`
	Type      ChainTxType       `db:"type"`

	Amount      decimal.Decimal `db:"amount"`
	Fee         decimal.Decimal `db:"fee"`
	FromAddress string          `db:"from_address"`
	ToAddress   string          `db:"to_address"`
	Inputs      []TxEndpoint    `db:"-"`
	Outputs     []TxEndpoint    `db:"-"`

	BlockHeight   uint64    `db:"block_height"`
	BlockHash     string    `db:"block_hash"`
	Confirmations int       `db:"confirmations"`
	Confirmed     bool      `db:"confirmed"`
	// Failed marks an included-but-reverted transaction (EVM receipt status
	// zero) or a rejected async operation.
	Failed        bool      `db:"failed"`
	InstantLocked bool      `db:"instant_locked"`
	LastCheckedAt time.Time `db:"last_checked_at"`
	CheckCount    int       `db:"check_count"`
	RetryCount    int       `db:"retry_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// WalletType categorises process-held wallets.
type WalletType string

const (
	WalletHot      WalletType = "HOT"
	WalletCold     WalletType = "COLD"
	WalletPool     WalletType = "POOL"
	WalletMultisig WalletType = "MULTISIG"
)

// Wallet is a process-held disbursement address with reservation accounting.
// Available is always Balance − Reserved; the store recomputes it on every
// update the way the original schema hooks did.
type Wallet struct {
	ID        string            `db:"id"`
	Currency  currency.Currency `db:"currency"`
	Type      WalletType        `db:"type"`
	Address   string            `db:"address"`
	KeyHandle string            `db:"key_handle"`

	Balance   decimal.Decimal `db:"balance"`
	Reserved  decimal.Decimal `db:"reserved"`
	Available decimal.Decimal `db:"available"`
	MinBalance decimal.Decimal `db:"min_balance"`
	MaxBalance decimal.Decimal `db:"max_balance"`

	Compromised bool       `db:"compromised"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
	Version     int        `db:"version"`
}

// Selectable reports whether the wallet may fund an obligation of the given
// amount.
func (w *Wallet) Selectable(amount decimal.Decimal) bool {
	return !w.Compromised && w.DeletedAt == nil && w.Available.Cmp(amount) >= 0
}

// Watchpoint is one monitored (currency, address) tuple.
type Watchpoint struct {
	ID            string            `db:"id"`
	Currency      currency.Currency `db:"currency"`
	Address       string            `db:"address"`
	RequestID     string            `db:"request_id"`
	Kind          WatchKind         `db:"kind"`
	TxID          string            `db:"tx_id"`
	ExpectedAmount decimal.Decimal  `db:"expected_amount"`
	Detected      bool              `db:"detected"`
	CheckInterval time.Duration     `db:"-"`
	CheckIntervalMinutes int        `db:"check_interval_minutes"`
	LastCheckedAt *time.Time        `db:"last_checked_at"`
	ExpiresAt     time.Time         `db:"expires_at"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
}

// WatchKind distinguishes deposit watchpoints from output confirmation
// tracking.
type WatchKind string

const (
	WatchDeposit WatchKind = "DEPOSIT"
	WatchOutput  WatchKind = "OUTPUT"
)
