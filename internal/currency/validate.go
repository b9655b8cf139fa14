package currency

import (
	"crypto/sha256"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	ethcommon "github.com/ethereum/go-ethereum/common"
	solbase58 "github.com/mr-tron/base58"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// AddressKind names the recognised shape of a validated address.
type AddressKind string

const (
	KindP2PKH       AddressKind = "p2pkh"
	KindP2SH        AddressKind = "p2sh"
	KindWitness     AddressKind = "bech32"
	KindTaproot     AddressKind = "taproot"
	KindTransparent AddressKind = "transparent"
	KindShielded    AddressKind = "shielded"
	KindAccount     AddressKind = "account"
)

// ValidateAddress applies the currency-specific validation predicate and
// returns the recognised address kind.
func ValidateAddress(c Currency, addr string) (AddressKind, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", mixerr.Validation("address must not be empty")
	}
	switch c {
	case BTC:
		return validateBitcoin(addr)
	case LTC:
		return validateLitecoin(addr)
	case DASH:
		return validateDash(addr)
	case ZEC:
		return validateZcash(addr)
	case ETH, USDTERC20:
		return validateEVM(addr)
	case USDTTRC20:
		return validateTron(addr)
	case SOL:
		return validateSolana(addr)
	}
	return "", mixerr.Validation("unsupported currency").WithDetail("currency", string(c))
}

func validateBitcoin(addr string) (AddressKind, error) {
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	if err != nil {
		return "", mixerr.Validation("invalid bitcoin address").WithDetail("address", addr)
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return KindP2PKH, nil
	case *btcutil.AddressScriptHash:
		return KindP2SH, nil
	case *btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash:
		return KindWitness, nil
	case *btcutil.AddressTaproot:
		return KindTaproot, nil
	}
	return "", mixerr.Validation("unrecognised bitcoin address form").WithDetail("address", addr)
}

func validateLitecoin(addr string) (AddressKind, error) {
	if strings.HasPrefix(strings.ToLower(addr), "ltc1") {
		hrp, _, err := bech32.Decode(addr)
		if err != nil || hrp != "ltc" {
			return "", mixerr.Validation("invalid litecoin bech32 address").WithDetail("address", addr)
		}
		return KindWitness, nil
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil || len(payload) != 20 {
		return "", mixerr.Validation("invalid litecoin address").WithDetail("address", addr)
	}
	switch version {
	case 0x30:
		return KindP2PKH, nil
	case 0x32, 0x05:
		return KindP2SH, nil
	}
	return "", mixerr.Validation("invalid litecoin address version").WithDetail("address", addr)
}

func validateDash(addr string) (AddressKind, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil || len(payload) != 20 {
		return "", mixerr.Validation("invalid dash address").WithDetail("address", addr)
	}
	switch version {
	case 0x4C:
		return KindP2PKH, nil
	case 0x10:
		return KindP2SH, nil
	}
	return "", mixerr.Validation("invalid dash address version").WithDetail("address", addr)
}

// Zcash transparent addresses carry a two-byte version, which base58
// CheckDecode cannot express, so the checksum is verified by hand.
func validateZcash(addr string) (AddressKind, error) {
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "zs1") {
		hrp, _, err := bech32.DecodeNoLimit(addr)
		if err != nil || hrp != "zs" {
			return "", mixerr.Validation("invalid zcash shielded address").WithDetail("address", addr)
		}
		return KindShielded, nil
	}

	raw := base58.Decode(addr)
	if len(raw) != 26 { // 2 version + 20 hash + 4 checksum
		return "", mixerr.Validation("invalid zcash address").WithDetail("address", addr)
	}
	body, checksum := raw[:22], raw[22:]
	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if checksum[i] != second[i] {
			return "", mixerr.Validation("invalid zcash address checksum").WithDetail("address", addr)
		}
	}
	switch {
	case body[0] == 0x1C && body[1] == 0xB8: // t1
		return KindTransparent, nil
	case body[0] == 0x1C && body[1] == 0xBD: // t3
		return KindTransparent, nil
	}
	return "", mixerr.Validation("invalid zcash address version").WithDetail("address", addr)
}

func validateEVM(addr string) (AddressKind, error) {
	if !ethcommon.IsHexAddress(addr) {
		return "", mixerr.Validation("invalid evm address").WithDetail("address", addr)
	}
	return KindAccount, nil
}

func validateTron(addr string) (AddressKind, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil || version != 0x41 || len(payload) != 20 {
		return "", mixerr.Validation("invalid tron address").WithDetail("address", addr)
	}
	return KindAccount, nil
}

func validateSolana(addr string) (AddressKind, error) {
	raw, err := solbase58.Decode(addr)
	if err != nil || len(raw) != 32 {
		return "", mixerr.Validation("invalid solana address").WithDetail("address", addr)
	}
	return KindAccount, nil
}

// IsShielded reports whether a validated Zcash address targets the shielded
// pool.
func IsShielded(addr string) bool {
	return strings.HasPrefix(strings.ToLower(addr), "zs1")
}
