// Package currency defines the closed set of supported tokens together with
// their precision, confirmation policy, capability flags and address
// validation predicates. All amount arithmetic in the core goes through the
// fixed-point helpers here.
package currency

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies a supported token.
type Currency string

const (
	BTC       Currency = "BTC"
	LTC       Currency = "LTC"
	DASH      Currency = "DASH"
	ZEC       Currency = "ZEC"
	ETH       Currency = "ETH"
	USDTERC20 Currency = "USDT-ERC20"
	USDTTRC20 Currency = "USDT-TRC20"
	SOL       Currency = "SOL"
)

// Family groups currencies by their node RPC dialect.
type Family string

const (
	FamilyUTXO    Family = "utxo"    // Bitcoin Core compatible JSON-RPC 1.0
	FamilyAccount Family = "account" // EVM JSON-RPC 2.0
	FamilySolana  Family = "solana"  // Solana JSON-RPC 2.0
)

// Info describes the static properties of a currency.
type Info struct {
	Symbol                Currency
	Family                Family
	Scale                 int32 // fixed-point decimal places used by core arithmetic
	RequiredConfirmations int
	BlockTime             time.Duration
	DustThreshold         decimal.Decimal
	MinAmount             decimal.Decimal
	MaxAmount             decimal.Decimal

	SupportsInstantFinality bool // Dash InstantSend / ChainLocks
	SupportsShielded        bool // Zcash shielded pool
	SupportsUTXO            bool
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var registry = map[Currency]Info{
	BTC: {
		Symbol: BTC, Family: FamilyUTXO, Scale: 8,
		RequiredConfirmations: 3, BlockTime: 10 * time.Minute,
		DustThreshold: dec("0.00000546"),
		MinAmount:     dec("0.001"), MaxAmount: dec("10"),
		SupportsUTXO: true,
	},
	LTC: {
		Symbol: LTC, Family: FamilyUTXO, Scale: 8,
		RequiredConfirmations: 6, BlockTime: 150 * time.Second,
		DustThreshold: dec("0.0000546"),
		MinAmount:     dec("0.01"), MaxAmount: dec("500"),
		SupportsUTXO: true,
	},
	DASH: {
		Symbol: DASH, Family: FamilyUTXO, Scale: 8,
		RequiredConfirmations: 6, BlockTime: 158 * time.Second,
		DustThreshold: dec("0.0000546"),
		MinAmount:     dec("0.01"), MaxAmount: dec("1000"),
		SupportsInstantFinality: true, SupportsUTXO: true,
	},
	ZEC: {
		Symbol: ZEC, Family: FamilyUTXO, Scale: 8,
		RequiredConfirmations: 6, BlockTime: 75 * time.Second,
		DustThreshold: dec("0.0000546"),
		MinAmount:     dec("0.01"), MaxAmount: dec("500"),
		SupportsShielded: true, SupportsUTXO: true,
	},
	ETH: {
		Symbol: ETH, Family: FamilyAccount, Scale: 8,
		RequiredConfirmations: 12, BlockTime: 12 * time.Second,
		DustThreshold: dec("0.00000001"),
		MinAmount:     dec("0.01"), MaxAmount: dec("100"),
	},
	USDTERC20: {
		Symbol: USDTERC20, Family: FamilyAccount, Scale: 8,
		RequiredConfirmations: 12, BlockTime: 12 * time.Second,
		DustThreshold: dec("0.01"),
		MinAmount:     dec("10"), MaxAmount: dec("1000000"),
	},
	USDTTRC20: {
		Symbol: USDTTRC20, Family: FamilyAccount, Scale: 8,
		RequiredConfirmations: 19, BlockTime: 3 * time.Second,
		DustThreshold: dec("0.01"),
		MinAmount:     dec("10"), MaxAmount: dec("1000000"),
	},
	SOL: {
		Symbol: SOL, Family: FamilySolana, Scale: 9,
		RequiredConfirmations: 32, BlockTime: 400 * time.Millisecond,
		DustThreshold: dec("0.000000001"),
		MinAmount:     dec("0.1"), MaxAmount: dec("10000"),
	},
}

var ordered = []Currency{BTC, LTC, DASH, ZEC, ETH, USDTERC20, USDTTRC20, SOL}

// Get returns the Info for a currency.
func Get(c Currency) (Info, bool) {
	info, ok := registry[c]
	return info, ok
}

// MustGet returns the Info for a currency known to be supported.
func MustGet(c Currency) Info {
	info, ok := registry[c]
	if !ok {
		panic("unsupported currency: " + string(c))
	}
	return info
}

// All returns the supported currencies in a stable order.
func All() []Currency {
	out := make([]Currency, len(ordered))
	copy(out, ordered)
	return out
}

// IsSupported reports whether c is part of the closed enumeration.
func IsSupported(c Currency) bool {
	_, ok := registry[c]
	return ok
}

// LamportsPerSOL is the canonical lamport conversion factor.
const LamportsPerSOL = 1_000_000_000

// LamportsToSOL converts a lamport count to a SOL amount at scale 9.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), -9)
}

// SOLToLamports converts a SOL amount to lamports, truncating below scale 9.
func SOLToLamports(amount decimal.Decimal) uint64 {
	return uint64(amount.Shift(9).IntPart())
}
