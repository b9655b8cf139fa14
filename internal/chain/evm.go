package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// EVM error codes retried as transient: generic server error (geth uses
// -32000 for temporary conditions such as "nonce too low" races and
// "already known"), plus the standard rate-limit code.
var evmTransientCodes = []int{-32000, -32005}

// transferSelector is the 4-byte selector of ERC-20 transfer(address,uint256).
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// EVMConfig configures an account-model adapter.
type EVMConfig struct {
	RPC RPCConfig
	// TokenContract routes value through an ERC-20 token when set.
	TokenContract string
	TokenDecimals int32
	GasLimit      uint64
	HealthInterval time.Duration
}

type evmAdapter struct {
	curr    currency.Currency
	cfg     EVMConfig
	rpc     *RPCClient
	health  *healthState
	metrics *Metrics
	log     *logrus.Entry
}

func newEVM(curr currency.Currency, cfg EVMConfig, metrics *Metrics, log *logrus.Entry) *evmAdapter {
	cfg.RPC.Version = JSONRPC2
	if len(cfg.RPC.TransientCodes) == 0 {
		cfg.RPC.TransientCodes = evmTransientCodes
	}
	if cfg.GasLimit == 0 {
		if cfg.TokenContract != "" {
			cfg.GasLimit = 65000
		} else {
			cfg.GasLimit = 21000
		}
	}
	entry := log.WithField("currency", string(curr))
	a := &evmAdapter{
		curr:    curr,
		cfg:     cfg,
		rpc:     NewRPCClient(cfg.RPC, string(curr), metrics, entry),
		health:  newHealthState(),
		metrics: metrics,
		log:     entry,
	}
	a.health.startProbe(cfg.HealthInterval, a.Health, metrics, string(curr), entry)
	return a
}

// NewEthereum creates the ETH adapter.
func NewEthereum(cfg EVMConfig, metrics *Metrics, log *logrus.Entry) Adapter {
	cfg.TokenContract = ""
	return newEVM(currency.ETH, cfg, metrics, log)
}

// NewERC20 creates a token adapter on an EVM-compatible JSON-RPC endpoint.
// USDT-TRC20 runs against a Tron JSON-RPC gateway through the same dialect.
func NewERC20(curr currency.Currency, cfg EVMConfig, metrics *Metrics, log *logrus.Entry) (Adapter, error) {
	if cfg.TokenContract == "" {
		return nil, mixerr.Validation("token adapter requires a contract address")
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	if !ethcommon.IsHexAddress(cfg.TokenContract) {
		payload, version, err := base58.CheckDecode(cfg.TokenContract)
		if err != nil || version != 0x41 || len(payload) != 20 {
			return nil, mixerr.Validation("invalid token contract address").
				WithDetail("contract", cfg.TokenContract)
		}
		cfg.TokenContract = ethcommon.BytesToAddress(payload).Hex()
	}
	return newEVM(curr, cfg, metrics, log), nil
}

func (a *evmAdapter) Currency() currency.Currency { return a.curr }

func (a *evmAdapter) guard() error {
	if !a.health.allowCalls() {
		return mixerr.Transient("adapter disconnected", nil).WithDetail("currency", string(a.curr))
	}
	return nil
}

// hexAddress normalises an address for the JSON-RPC wire. Tron base58check
// addresses are re-encoded as the underlying 20-byte hex form.
func (a *evmAdapter) hexAddress(addr string) (string, error) {
	if a.curr == currency.USDTTRC20 && !ethcommon.IsHexAddress(addr) {
		payload, version, err := base58.CheckDecode(addr)
		if err != nil || version != 0x41 || len(payload) != 20 {
			return "", mixerr.Validation("invalid tron address").WithDetail("address", addr)
		}
		return ethcommon.BytesToAddress(payload).Hex(), nil
	}
	if !ethcommon.IsHexAddress(addr) {
		return "", mixerr.Validation("invalid evm address").WithDetail("address", addr)
	}
	return ethcommon.HexToAddress(addr).Hex(), nil
}

func (a *evmAdapter) NewAddress(ctx context.Context, label string) (Address, error) {
	if err := a.guard(); err != nil {
		return Address{}, err
	}
	// Key custody is delegated to the upstream node's wallet facility, the
	// same way nonce management is.
	res, err := a.rpc.Call(ctx, "personal_newAccount", []interface{}{""})
	if err != nil {
		return Address{}, err
	}
	addr := res.String()
	return Address{
		Address:   addr,
		KeyHandle: "node:evm:" + addr,
	}, nil
}

func (a *evmAdapter) ValidateAddress(addr string) (currency.AddressKind, error) {
	return currency.ValidateAddress(a.curr, addr)
}

func (a *evmAdapter) scale() int32 {
	if a.cfg.TokenContract != "" {
		return a.cfg.TokenDecimals
	}
	return 18
}

func (a *evmAdapter) blockTag(ctx context.Context, minConfirmations int) (string, error) {
	if minConfirmations <= 1 {
		return "latest", nil
	}
	best, err := a.BestHeight(ctx)
	if err != nil {
		return "", err
	}
	target := int64(best) - int64(minConfirmations) + 1
	if target < 0 {
		target = 0
	}
	return hexutil.EncodeUint64(uint64(target)), nil
}

func (a *evmAdapter) GetReceived(ctx context.Context, addr string, minConfirmations int) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	hexAddr, err := a.hexAddress(addr)
	if err != nil {
		return decimal.Zero, err
	}
	tag, err := a.blockTag(ctx, minConfirmations)
	if err != nil {
		return decimal.Zero, err
	}

	// Deposit addresses are single-use, so the balance at the tag equals the
	// received amount.
	var res gjson.Result
	if a.cfg.TokenContract != "" {
		data := append(append([]byte{}, transferSelectorBalanceOf...),
			ethcommon.LeftPadBytes(ethcommon.HexToAddress(hexAddr).Bytes(), 32)...)
		res, err = a.rpc.Call(ctx, "eth_call", []interface{}{
			map[string]string{"to": a.cfg.TokenContract, "data": hexutil.Encode(data)}, tag,
		})
	} else {
		res, err = a.rpc.Call(ctx, "eth_getBalance", []interface{}{hexAddr, tag})
	}
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := hexBig(res)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -a.scale()), nil
}

// transferSelectorBalanceOf is the 4-byte selector of ERC-20 balanceOf(address).
var transferSelectorBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}

func (a *evmAdapter) GetTransaction(ctx context.Context, txid string) (*model.ObservedChainTx, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	txRes, err := a.rpc.Call(ctx, "eth_getTransactionByHash", []interface{}{txid})
	if err != nil {
		return nil, err
	}
	if txRes.Type == gjson.Null || !txRes.Exists() {
		return nil, mixerr.NotFound("transaction", txid)
	}

	value, err := hexBig(txRes.Get("value"))
	if err != nil {
		return nil, err
	}
	tx := &model.ObservedChainTx{
		TxID:          txid,
		Currency:      a.curr,
		Amount:        decimal.NewFromBigInt(value, -18),
		FromAddress:   txRes.Get("from").String(),
		ToAddress:     txRes.Get("to").String(),
		LastCheckedAt: time.Now().UTC(),
	}

	receipt, err := a.rpc.Call(ctx, "eth_getTransactionReceipt", []interface{}{txid})
	if err != nil || receipt.Type == gjson.Null {
		return tx, nil // still in the mempool
	}

	blockNumber, err := hexUint(receipt.Get("blockNumber"))
	if err != nil {
		return tx, nil
	}
	best, err := a.BestHeight(ctx)
	if err != nil {
		return nil, err
	}
	tx.BlockHeight = blockNumber
	tx.BlockHash = receipt.Get("blockHash").String()
	tx.Confirmations = int(best - blockNumber + 1)
	tx.Confirmed = tx.Confirmations >= currency.MustGet(a.curr).RequiredConfirmations

	// A zero receipt status means the transaction reverted even though it
	// was included.
	if status, err := hexUint(receipt.Get("status")); err == nil && status == 0 {
		tx.Failed = true
		tx.Confirmed = false
	}

	if gasUsed, err := hexBig(receipt.Get("gasUsed")); err == nil {
		if gasPrice, err := hexBig(receipt.Get("effectiveGasPrice")); err == nil {
			feeWei := new(big.Int).Mul(gasUsed, gasPrice)
			tx.Fee = decimal.NewFromBigInt(feeWei, -18)
		}
	}
	return tx, nil
}

func (a *evmAdapter) ListUnspent(ctx context.Context, minConf, maxConf int, addrs []string) ([]UTXO, error) {
	return nil, mixerr.Validation("utxo operations are not supported on account-model chains")
}

// EstimateFee returns a gas price in gwei. Conservative mode pads the node's
// estimate by 20%.
func (a *evmAdapter) EstimateFee(ctx context.Context, targetBlocks int, mode FeeMode) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	res, err := a.rpc.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := hexBig(res)
	if err != nil {
		return decimal.Zero, err
	}
	gwei := decimal.NewFromBigInt(wei, -9)
	if mode == FeeModeConservative {
		gwei = gwei.Mul(decimal.RequireFromString("1.2"))
	}
	return gwei.RoundBank(9), nil
}

func (a *evmAdapter) SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	from, err := a.hexAddress(spec.From)
	if err != nil {
		return "", err
	}
	to, err := a.hexAddress(spec.To)
	if err != nil {
		return "", err
	}

	call := map[string]string{
		"from": from,
		"gas":  hexutil.EncodeUint64(a.cfg.GasLimit),
	}
	if spec.FeeRate.Sign() > 0 {
		// FeeRate arrives in gwei.
		call["gasPrice"] = hexutil.EncodeBig(spec.FeeRate.Shift(9).BigInt())
	}

	if a.cfg.TokenContract != "" {
		units := spec.Amount.Shift(a.cfg.TokenDecimals).BigInt()
		data := append(append([]byte{}, transferSelector...),
			ethcommon.LeftPadBytes(ethcommon.HexToAddress(to).Bytes(), 32)...)
		data = append(data, ethcommon.LeftPadBytes(units.Bytes(), 32)...)
		call["to"] = a.cfg.TokenContract
		call["data"] = hexutil.Encode(data)
	} else {
		call["to"] = to
		call["value"] = hexutil.EncodeBig(spec.Amount.Shift(18).BigInt())
	}

	res, err := a.rpc.Call(ctx, "eth_sendTransaction", []interface{}{call})
	a.metrics.ObserveBroadcast(string(a.curr), err)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (a *evmAdapter) BestHeight(ctx context.Context) (uint64, error) {
	if err := a.guard(); err != nil {
		return 0, err
	}
	res, err := a.rpc.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return hexUint(res)
}

func (a *evmAdapter) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{CheckedAt: time.Now()}

	height, err := a.rpc.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return status, err
	}
	if h, err := hexUint(height); err == nil {
		status.Height = h
	}
	status.Connected = true

	if peers, err := a.rpc.Call(ctx, "net_peerCount", nil); err == nil {
		if n, err := hexUint(peers); err == nil {
			status.Peers = int(n)
		}
	}
	if syncing, err := a.rpc.Call(ctx, "eth_syncing", nil); err == nil && syncing.Type != gjson.False {
		if syncing.IsObject() {
			status.Warnings = append(status.Warnings, "node is syncing")
		}
	}
	return status, nil
}

func (a *evmAdapter) Connected() bool { return a.health.isConnected() }

func (a *evmAdapter) Disconnect() { a.health.shutdown() }

// hexBig decodes a 0x-prefixed quantity, tolerating quoted decimal strings.
func hexBig(res gjson.Result) (*big.Int, error) {
	s := res.String()
	if s == "" {
		return big.NewInt(0), nil
	}
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, mixerr.Permanent("malformed hex quantity", err).WithDetail("raw", s)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, mixerr.Permanent("malformed quantity", fmt.Errorf("cannot parse %q", s))
	}
	return v, nil
}

func hexUint(res gjson.Result) (uint64, error) {
	v, err := hexBig(res)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}
