package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// Bitcoin Core error codes the family adapter cares about.
const (
	btcErrInvalidOrNonWalletTx = -5
	btcErrInWarmup             = -28
	btcErrClientNotConnected   = -9
)

// BitcoinFamilyConfig configures one Bitcoin-Core-compatible adapter.
type BitcoinFamilyConfig struct {
	RPC RPCConfig
	// WalletName scopes calls to /wallet/{name} the way Bitcoin Core
	// multiwallet deployments require.
	WalletName string
	// FeeTargetDivisor scales the requested confirmation target down for
	// chains with faster blocks (Litecoin uses 4).
	FeeTargetDivisor int
	// InstantSendEnabled opts Dash broadcasts into InstantSend.
	InstantSendEnabled bool
	HealthInterval     time.Duration
}

// bitcoinFamily implements Adapter over Bitcoin Core compatible JSON-RPC 1.0.
type bitcoinFamily struct {
	curr    currency.Currency
	cfg     BitcoinFamilyConfig
	rpc     *RPCClient
	health  *healthState
	metrics *Metrics
	log     *logrus.Entry
}

func newBitcoinFamily(curr currency.Currency, cfg BitcoinFamilyConfig, metrics *Metrics, log *logrus.Entry) *bitcoinFamily {
	cfg.RPC.Version = JSONRPC1
	if len(cfg.RPC.TransientCodes) == 0 {
		cfg.RPC.TransientCodes = []int{btcErrInWarmup, btcErrClientNotConnected}
	}
	if cfg.WalletName != "" && !strings.Contains(cfg.RPC.URL, "/wallet/") {
		cfg.RPC.URL = strings.TrimRight(cfg.RPC.URL, "/") + "/wallet/" + cfg.WalletName
	}

	entry := log.WithField("currency", string(curr))
	a := &bitcoinFamily{
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

// NewBitcoin creates the BTC adapter.
func NewBitcoin(cfg BitcoinFamilyConfig, metrics *Metrics, log *logrus.Entry) Adapter {
	return newBitcoinFamily(currency.BTC, cfg, metrics, log)
}

// NewLitecoin creates the LTC adapter. Fee targets are scaled down 4x to
// reflect the 2.5 minute block time.
func NewLitecoin(cfg BitcoinFamilyConfig, metrics *Metrics, log *logrus.Entry) Adapter {
	if cfg.FeeTargetDivisor == 0 {
		cfg.FeeTargetDivisor = 4
	}
	return newBitcoinFamily(currency.LTC, cfg, metrics, log)
}

// NewDash creates the DASH adapter with optional InstantSend.
func NewDash(cfg BitcoinFamilyConfig, metrics *Metrics, log *logrus.Entry) Adapter {
	return newBitcoinFamily(currency.DASH, cfg, metrics, log)
}

func (a *bitcoinFamily) Currency() currency.Currency { return a.curr }

func (a *bitcoinFamily) guard() error {
	if !a.health.allowCalls() {
		return mixerr.Transient("adapter disconnected", nil).WithDetail("currency", string(a.curr))
	}
	return nil
}

func (a *bitcoinFamily) NewAddress(ctx context.Context, label string) (Address, error) {
	if err := a.guard(); err != nil {
		return Address{}, err
	}
	res, err := a.rpc.Call(ctx, "getnewaddress", []interface{}{label})
	if err != nil {
		return Address{}, err
	}
	addr := res.String()
	if _, err := currency.ValidateAddress(a.curr, addr); err != nil {
		return Address{}, mixerr.Permanent("node returned invalid address", err)
	}
	return Address{
		Address:   addr,
		KeyHandle: "node:" + a.cfg.WalletName + ":" + addr,
	}, nil
}

func (a *bitcoinFamily) ValidateAddress(addr string) (currency.AddressKind, error) {
	return currency.ValidateAddress(a.curr, addr)
}

func (a *bitcoinFamily) GetReceived(ctx context.Context, addr string, minConfirmations int) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	res, err := a.rpc.Call(ctx, "getreceivedbyaddress", []interface{}{addr, minConfirmations})
	if err != nil {
		return decimal.Zero, err
	}
	return numberOf(res)
}

func (a *bitcoinFamily) GetTransaction(ctx context.Context, txid string) (*model.ObservedChainTx, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	res, err := a.rpc.Call(ctx, "gettransaction", []interface{}{txid})
	if err != nil {
		var rpcErr *rpcErrorBody
		if errors.As(err, &rpcErr) && rpcErr.Code == btcErrInvalidOrNonWalletTx {
			return nil, mixerr.NotFound("transaction", txid)
		}
		return nil, err
	}
	return a.parseWalletTx(txid, res), nil
}

func (a *bitcoinFamily) parseWalletTx(txid string, res gjson.Result) *model.ObservedChainTx {
	amount, _ := numberOf(res.Get("amount"))
	fee, _ := numberOf(res.Get("fee"))
	confirmations := int(res.Get("confirmations").Int())

	tx := &model.ObservedChainTx{
		TxID:          txid,
		Currency:      a.curr,
		Amount:        amount.Abs(),
		Fee:           fee.Abs(),
		BlockHash:     res.Get("blockhash").String(),
		BlockHeight:   res.Get("blockheight").Uint(),
		Confirmations: confirmations,
		Confirmed:     confirmations >= currency.MustGet(a.curr).RequiredConfirmations,
		InstantLocked: res.Get("instantlock").Bool(),
		LastCheckedAt: time.Now().UTC(),
	}

	// Dash InstantSend finality counts as one confirmation.
	if tx.InstantLocked && tx.Confirmations < 1 {
		tx.Confirmations = 1
	}

	for _, detail := range res.Get("details").Array() {
		ep := model.TxEndpoint{Address: detail.Get("address").String()}
		ep.Amount, _ = numberOf(detail.Get("amount"))
		ep.Amount = ep.Amount.Abs()
		switch detail.Get("category").String() {
		case "send":
			tx.Outputs = append(tx.Outputs, ep)
			if tx.ToAddress == "" {
				tx.ToAddress = ep.Address
			}
		case "receive":
			tx.Inputs = append(tx.Inputs, ep)
			if tx.ToAddress == "" {
				tx.ToAddress = ep.Address
			}
		}
	}
	return tx
}

func (a *bitcoinFamily) ListUnspent(ctx context.Context, minConf, maxConf int, addrs []string) ([]UTXO, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	params := []interface{}{minConf, maxConf}
	if len(addrs) > 0 {
		params = append(params, addrs)
	}
	res, err := a.rpc.Call(ctx, "listunspent", params)
	if err != nil {
		return nil, err
	}
	var utxos []UTXO
	for _, u := range res.Array() {
		amount, _ := numberOf(u.Get("amount"))
		utxos = append(utxos, UTXO{
			TxID:          u.Get("txid").String(),
			Vout:          uint32(u.Get("vout").Uint()),
			Address:       u.Get("address").String(),
			Amount:        amount,
			Confirmations: int(u.Get("confirmations").Int()),
			Spendable:     u.Get("spendable").Bool(),
		})
	}
	return utxos, nil
}

func (a *bitcoinFamily) EstimateFee(ctx context.Context, targetBlocks int, mode FeeMode) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	if targetBlocks < 1 {
		targetBlocks = 1
	}
	if a.cfg.FeeTargetDivisor > 1 {
		targetBlocks = targetBlocks / a.cfg.FeeTargetDivisor
		if targetBlocks < 1 {
			targetBlocks = 1
		}
	}
	if mode == "" {
		mode = FeeModeConservative
	}
	res, err := a.rpc.Call(ctx, "estimatesmartfee", []interface{}{targetBlocks, string(mode)})
	if err != nil {
		return decimal.Zero, err
	}
	feerate := res.Get("feerate")
	if !feerate.Exists() {
		// The node has not seen enough traffic to estimate; fall back to the
		// relay floor.
		return decimal.RequireFromString("0.00001"), nil
	}
	return numberOf(feerate)
}

func (a *bitcoinFamily) SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	if _, err := currency.ValidateAddress(a.curr, spec.To); err != nil {
		return "", err
	}
	amount := json.Number(spec.Amount.String())
	params := []interface{}{spec.To, amount}
	if a.curr == currency.DASH && a.cfg.InstantSendEnabled {
		// sendtoaddress "address" amount "comment" "comment_to"
		// subtractfeefromamount use_is
		params = append(params, "", "", false, spec.UseInstantSend)
	}
	res, err := a.rpc.Call(ctx, "sendtoaddress", params)
	a.metrics.ObserveBroadcast(string(a.curr), err)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (a *bitcoinFamily) BestHeight(ctx context.Context) (uint64, error) {
	if err := a.guard(); err != nil {
		return 0, err
	}
	res, err := a.rpc.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	return res.Uint(), nil
}

func (a *bitcoinFamily) Health(ctx context.Context) (HealthStatus, error) {
	info, err := a.rpc.Call(ctx, "getblockchaininfo", nil)
	if err != nil {
		return HealthStatus{Connected: false, CheckedAt: time.Now()}, err
	}
	status := HealthStatus{
		Connected: true,
		Height:    info.Get("blocks").Uint(),
		CheckedAt: time.Now(),
	}
	if w := info.Get("warnings").String(); w != "" {
		status.Warnings = append(status.Warnings, w)
	}
	if peers, err := a.rpc.Call(ctx, "getconnectioncount", nil); err == nil {
		status.Peers = int(peers.Int())
	}
	return status, nil
}

func (a *bitcoinFamily) Connected() bool { return a.health.isConnected() }

func (a *bitcoinFamily) Disconnect() { a.health.shutdown() }

// numberOf normalises a JSON-RPC numeric field to fixed-point without going
// through float64. Upstream nodes variously emit numbers and quoted strings.
func numberOf(res gjson.Result) (decimal.Decimal, error) {
	if !res.Exists() || res.Type == gjson.Null {
		return decimal.Zero, nil
	}
	raw := strings.Trim(res.Raw, `"`)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, mixerr.Permanent("malformed numeric field", err).WithDetail("raw", raw)
	}
	return d, nil
}
