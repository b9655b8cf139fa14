package chain

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// Solana commitment levels.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// solana transient codes: node behind (-32005), block not available yet
// (-32004), transaction preflight rate limiting (-32602 excluded — that is a
// caller bug).
var solanaTransientCodes = []int{-32004, -32005}

// signatureFeeLamports is the flat per-signature fee used when the node
// cannot quote one.
const signatureFeeLamports = 5000

// SolanaConfig configures the SOL adapter.
type SolanaConfig struct {
	RPC            RPCConfig
	HealthInterval time.Duration
}

// solanaAdapter implements Adapter over Solana JSON-RPC 2.0. Unlike the
// node-wallet chains, key custody lives in the key store: addresses are
// ed25519 public keys and the adapter assembles and signs system transfers
// itself.
type solanaAdapter struct {
	cfg     SolanaConfig
	rpc     *RPCClient
	keys    keystore.KeyStore
	health  *healthState
	metrics *Metrics
	log     *logrus.Entry
}

// NewSolana creates the SOL adapter.
func NewSolana(cfg SolanaConfig, keys keystore.KeyStore, metrics *Metrics, log *logrus.Entry) Adapter {
	cfg.RPC.Version = JSONRPC2
	if len(cfg.RPC.TransientCodes) == 0 {
		cfg.RPC.TransientCodes = solanaTransientCodes
	}
	entry := log.WithField("currency", string(currency.SOL))
	a := &solanaAdapter{
		cfg:     cfg,
		rpc:     NewRPCClient(cfg.RPC, string(currency.SOL), metrics, entry),
		keys:    keys,
		health:  newHealthState(),
		metrics: metrics,
		log:     entry,
	}
	a.health.startProbe(cfg.HealthInterval, a.Health, metrics, string(currency.SOL), entry)
	return a
}

func (a *solanaAdapter) Currency() currency.Currency { return currency.SOL }

func (a *solanaAdapter) guard() error {
	if !a.health.allowCalls() {
		return mixerr.Transient("adapter disconnected", nil).WithDetail("currency", string(currency.SOL))
	}
	return nil
}

func (a *solanaAdapter) NewAddress(ctx context.Context, label string) (Address, error) {
	if err := a.guard(); err != nil {
		return Address{}, err
	}
	handle, err := a.keys.CreateKey(ctx, keystore.AlgorithmEd25519)
	if err != nil {
		return Address{}, err
	}
	pub, err := a.keys.PublicKey(ctx, handle)
	if err != nil {
		return Address{}, err
	}
	return Address{
		Address:   base58.Encode(pub),
		KeyHandle: handle,
	}, nil
}

func (a *solanaAdapter) ValidateAddress(addr string) (currency.AddressKind, error) {
	return currency.ValidateAddress(currency.SOL, addr)
}

func (a *solanaAdapter) GetReceived(ctx context.Context, addr string, minConfirmations int) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	commitment := CommitmentConfirmed
	if minConfirmations >= currency.MustGet(currency.SOL).RequiredConfirmations {
		commitment = CommitmentFinalized
	}
	res, err := a.rpc.Call(ctx, "getBalance", []interface{}{
		addr, map[string]string{"commitment": commitment},
	})
	if err != nil {
		return decimal.Zero, err
	}
	return currency.LamportsToSOL(res.Get("value").Uint()), nil
}

func (a *solanaAdapter) GetTransaction(ctx context.Context, txid string) (*model.ObservedChainTx, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	res, err := a.rpc.Call(ctx, "getSignatureStatuses", []interface{}{
		[]string{txid}, map[string]bool{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}
	statuses := res.Get("value").Array()
	if len(statuses) == 0 || statuses[0].Type == gjson.Null {
		return nil, mixerr.NotFound("transaction", txid)
	}
	status := statuses[0]

	info := currency.MustGet(currency.SOL)
	tx := &model.ObservedChainTx{
		TxID:          txid,
		Currency:      currency.SOL,
		BlockHeight:   status.Get("slot").Uint(), // slot stands in for height
		LastCheckedAt: time.Now().UTC(),
	}

	switch status.Get("confirmationStatus").String() {
	case CommitmentFinalized:
		tx.Confirmations = info.RequiredConfirmations
		tx.Confirmed = true
	case CommitmentConfirmed:
		if c := status.Get("confirmations"); c.Type != gjson.Null {
			tx.Confirmations = int(c.Int())
		} else {
			tx.Confirmations = 1
		}
	}
	if status.Get("err").Type != gjson.Null && status.Get("err").Exists() {
		tx.Failed = true
		tx.Confirmed = false
	}
	return tx, nil
}

func (a *solanaAdapter) ListUnspent(ctx context.Context, minConf, maxConf int, addrs []string) ([]UTXO, error) {
	return nil, mixerr.Validation("utxo operations are not supported on solana")
}

// EstimateFee returns the flat fee in SOL; Solana fees are per signature,
// not per byte.
func (a *solanaAdapter) EstimateFee(ctx context.Context, targetBlocks int, mode FeeMode) (decimal.Decimal, error) {
	if err := a.guard(); err != nil {
		return decimal.Zero, err
	}
	return currency.LamportsToSOL(signatureFeeLamports), nil
}

func (a *solanaAdapter) SignAndBroadcast(ctx context.Context, spec BuildSpec, keyHandle string) (string, error) {
	if err := a.guard(); err != nil {
		return "", err
	}
	fromPub, err := base58.Decode(spec.From)
	if err != nil || len(fromPub) != 32 {
		return "", mixerr.Validation("invalid source address").WithDetail("address", spec.From)
	}
	toPub, err := base58.Decode(spec.To)
	if err != nil || len(toPub) != 32 {
		return "", mixerr.Validation("invalid destination address").WithDetail("address", spec.To)
	}

	blockhashRes, err := a.rpc.Call(ctx, "getLatestBlockhash", []interface{}{
		map[string]string{"commitment": CommitmentFinalized},
	})
	if err != nil {
		return "", err
	}
	blockhash, err := base58.Decode(blockhashRes.Get("value.blockhash").String())
	if err != nil || len(blockhash) != 32 {
		return "", mixerr.Transient("malformed recent blockhash", err)
	}

	lamports := currency.SOLToLamports(spec.Amount)
	message := buildTransferMessage(fromPub, toPub, blockhash, lamports)

	signature, err := a.keys.Sign(ctx, keyHandle, message)
	if err != nil {
		return "", err
	}

	// Wire form: compact array of signatures followed by the message.
	wire := append(compactU16(1), signature...)
	wire = append(wire, message...)

	res, err := a.rpc.Call(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(wire),
		map[string]interface{}{"encoding": "base64", "preflightCommitment": CommitmentConfirmed},
	})
	a.metrics.ObserveBroadcast(string(currency.SOL), err)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (a *solanaAdapter) BestHeight(ctx context.Context) (uint64, error) {
	if err := a.guard(); err != nil {
		return 0, err
	}
	res, err := a.rpc.Call(ctx, "getSlot", []interface{}{
		map[string]string{"commitment": CommitmentFinalized},
	})
	if err != nil {
		return 0, err
	}
	return res.Uint(), nil
}

func (a *solanaAdapter) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{CheckedAt: time.Now()}
	res, err := a.rpc.Call(ctx, "getHealth", nil)
	if err != nil {
		return status, err
	}
	if res.String() != "ok" {
		status.Warnings = append(status.Warnings, res.String())
	}
	status.Connected = res.String() == "ok"
	if slot, err := a.rpc.Call(ctx, "getSlot", nil); err == nil {
		status.Height = slot.Uint()
	}
	return status, nil
}

func (a *solanaAdapter) Connected() bool { return a.health.isConnected() }

func (a *solanaAdapter) Disconnect() { a.health.shutdown() }

// systemProgramID is the all-zero system program account.
var systemProgramID = make([]byte, 32)

// buildTransferMessage assembles a legacy Solana message carrying a single
// system-program transfer instruction.
func buildTransferMessage(from, to, blockhash []byte, lamports uint64) []byte {
	var msg []byte

	// Header: 1 required signature, 0 readonly signed, 1 readonly unsigned
	// (the system program).
	msg = append(msg, 1, 0, 1)

	// Account keys: payer, destination, system program.
	msg = append(msg, compactU16(3)...)
	msg = append(msg, from...)
	msg = append(msg, to...)
	msg = append(msg, systemProgramID...)

	msg = append(msg, blockhash...)

	// One instruction.
	msg = append(msg, compactU16(1)...)
	msg = append(msg, 2) // program id index
	msg = append(msg, compactU16(2)...)
	msg = append(msg, 0, 1) // account indexes: from, to

	// Instruction data: u32 LE instruction tag (2 = Transfer) + u64 LE lamports.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	msg = append(msg, compactU16(uint16(len(data)))...)
	msg = append(msg, data...)

	return msg
}

// compactU16 encodes Solana's compact-u16 length prefix.
func compactU16(v uint16) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}
