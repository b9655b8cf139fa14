package currency

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	solbase58 "github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/internal/mixerr"
)

func TestRegistryClosedSet(t *testing.T) {
	assert.Len(t, All(), 8)
	for _, c := range All() {
		info, ok := Get(c)
		require.True(t, ok)
		assert.Equal(t, c, info.Symbol)
		assert.Positive(t, info.RequiredConfirmations)
		assert.True(t, info.MinAmount.Cmp(info.MaxAmount) < 0)
	}
	_, ok := Get(Currency("DOGE"))
	assert.False(t, ok)
	assert.False(t, IsSupported("DOGE"))
}

func TestScales(t *testing.T) {
	assert.Equal(t, int32(8), MustGet(BTC).Scale)
	assert.Equal(t, int32(8), MustGet(ETH).Scale)
	assert.Equal(t, int32(9), MustGet(SOL).Scale)
}

func TestLamportConversion(t *testing.T) {
	amount := LamportsToSOL(1_500_000_000)
	assert.True(t, amount.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, uint64(1_500_000_000), SOLToLamports(amount))
}

func TestComputeFeeBankersRounding(t *testing.T) {
	// 0.5% of 0.5 BTC.
	fee := ComputeFee(BTC, decimal.RequireFromString("0.5"), decimal.RequireFromString("0.5"))
	assert.True(t, fee.Equal(decimal.RequireFromString("0.0025")), fee.String())

	// Half-even at the scale boundary: 0.000000025 rounds to the even digit.
	fee = ComputeFee(BTC, decimal.RequireFromString("0.00000005"), decimal.NewFromInt(50))
	assert.True(t, fee.Equal(decimal.RequireFromString("0.00000002")), fee.String())

	fee = ComputeFee(BTC, decimal.RequireFromString("0.00000015"), decimal.NewFromInt(50))
	assert.True(t, fee.Equal(decimal.RequireFromString("0.00000008")), fee.String())
}

func TestValidateShares(t *testing.T) {
	err := ValidateShares(nil)
	assert.True(t, mixerr.IsValidation(err))

	err = ValidateShares([]OutputShare{
		{Address: "a", Percentage: decimal.NewFromInt(60)},
		{Address: "b", Percentage: decimal.NewFromInt(41)},
	})
	assert.True(t, mixerr.IsValidation(err))

	err = ValidateShares([]OutputShare{
		{Address: "a", Percentage: decimal.RequireFromString("33.33")},
		{Address: "b", Percentage: decimal.RequireFromString("33.33")},
		{Address: "c", Percentage: decimal.RequireFromString("33.34")},
	})
	assert.NoError(t, err)
}

func TestSplitExact(t *testing.T) {
	shares := []OutputShare{
		{Address: "a", Percentage: decimal.RequireFromString("33.33")},
		{Address: "b", Percentage: decimal.RequireFromString("33.33")},
		{Address: "c", Percentage: decimal.RequireFromString("33.34")},
	}
	total := decimal.RequireFromString("0.997")
	amounts, err := Split(ETH, total, shares)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	assert.True(t, sum.Equal(total), sum.String())
	assert.True(t, amounts[0].Equal(decimal.RequireFromString("0.3323001")))
	assert.True(t, amounts[2].Equal(decimal.RequireFromString("0.3323998")))
}

func TestSplitRemainderToHighestPercentage(t *testing.T) {
	shares := []OutputShare{
		{Address: "addr-a", Percentage: decimal.RequireFromString("33.33")},
		{Address: "addr-b", Percentage: decimal.RequireFromString("33.33")},
		{Address: "addr-c", Percentage: decimal.RequireFromString("33.34")},
	}
	total := decimal.RequireFromString("0.00000010")
	amounts, err := Split(BTC, total, shares)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	assert.True(t, sum.Equal(total))
	// Residual lands on the 33.34% output.
	assert.True(t, amounts[2].Cmp(amounts[0]) > 0)
}

func TestSplitRemainderTieBreaksLexicographically(t *testing.T) {
	shares := []OutputShare{
		{Address: "zzz", Percentage: decimal.NewFromInt(50)},
		{Address: "aaa", Percentage: decimal.NewFromInt(50)},
	}
	total := decimal.RequireFromString("0.00000003")
	amounts, err := Split(BTC, total, shares)
	require.NoError(t, err)
	// 0.000000015 each rounds down to 0.00000001; the odd unit goes to "aaa".
	assert.True(t, amounts[1].Cmp(amounts[0]) > 0)
}

func ltcBech32(t *testing.T) string {
	t.Helper()
	prog := make([]byte, 20)
	conv, err := bech32.ConvertBits(prog, 8, 5, true)
	require.NoError(t, err)
	addr, err := bech32.Encode("ltc", append([]byte{0}, conv...))
	require.NoError(t, err)
	return addr
}

func zecTransparent(t *testing.T) string {
	t.Helper()
	body := append([]byte{0x1C, 0xB8}, make([]byte, 20)...)
	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(body, second[:4]...))
}

func TestValidateAddress(t *testing.T) {
	hash20 := make([]byte, 20)

	cases := []struct {
		currency Currency
		address  string
		kind     AddressKind
	}{
		{BTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", KindP2PKH},
		{BTC, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", KindWitness},
		{LTC, base58.CheckEncode(hash20, 0x30), KindP2PKH},
		{LTC, ltcBech32(t), KindWitness},
		{DASH, base58.CheckEncode(hash20, 0x4C), KindP2PKH},
		{ZEC, zecTransparent(t), KindTransparent},
		{ETH, "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", KindAccount},
		{USDTERC20, "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", KindAccount},
		{USDTTRC20, base58.CheckEncode(hash20, 0x41), KindAccount},
		{SOL, solbase58.Encode(make([]byte, 32)), KindAccount},
	}
	for _, tc := range cases {
		kind, err := ValidateAddress(tc.currency, tc.address)
		require.NoError(t, err, "%s %s", tc.currency, tc.address)
		assert.Equal(t, tc.kind, kind)
	}
}

func TestValidateAddressRejectsCrossCurrency(t *testing.T) {
	hash20 := make([]byte, 20)
	dashAddr := base58.CheckEncode(hash20, 0x4C)

	_, err := ValidateAddress(BTC, dashAddr)
	assert.True(t, mixerr.IsValidation(err))

	_, err = ValidateAddress(LTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.True(t, mixerr.IsValidation(err))

	_, err = ValidateAddress(ETH, "742d35Cc6634C0532925a3b844Bc454e4438f44")
	assert.True(t, mixerr.IsValidation(err))

	_, err = ValidateAddress(SOL, "not-base58-!!!")
	assert.True(t, mixerr.IsValidation(err))

	_, err = ValidateAddress(BTC, "")
	assert.True(t, mixerr.IsValidation(err))
}

func TestZcashShieldedDetection(t *testing.T) {
	data := make([]byte, 43)
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	require.NoError(t, err)
	zs, err := bech32.Encode("zs", conv)
	require.NoError(t, err)

	kind, err := ValidateAddress(ZEC, zs)
	require.NoError(t, err)
	assert.Equal(t, KindShielded, kind)
	assert.True(t, IsShielded(zs))
	assert.False(t, IsShielded(zecTransparent(t)))
}
