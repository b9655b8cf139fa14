package chain

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/config"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/mixerr"
)

// Registry holds the process's adapter set, one per configured currency.
type Registry struct {
	mu       sync.RWMutex
	adapters map[currency.Currency]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[currency.Currency]Adapter)}
}

// Register adds an adapter, replacing any previous one for the currency.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Currency()] = a
}

// Get returns the adapter for a currency.
func (r *Registry) Get(c currency.Currency) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	if !ok {
		return nil, mixerr.NotFound("adapter", string(c))
	}
	return a, nil
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// DisconnectAll stops every adapter's health probe and refuses new calls.
func (r *Registry) DisconnectAll() {
	for _, a := range r.All() {
		a.Disconnect()
	}
}

// USDT contract addresses on their host networks.
const (
	usdtERC20Contract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

// Build constructs the registry from chain configuration.
func Build(cfgs []config.ChainConfig, keys keystore.KeyStore, metrics *Metrics, log *logrus.Entry) (*Registry, error) {
	reg := NewRegistry()
	for _, cc := range cfgs {
		curr := currency.Currency(cc.Symbol)
		if !currency.IsSupported(curr) {
			return nil, mixerr.Validation("unsupported chain in configuration").
				WithDetail("symbol", cc.Symbol)
		}

		rpcCfg := RPCConfig{
			URL:           cc.RPCURL,
			User:          cc.RPCUser,
			Password:      cc.RPCPassword,
			Timeout:       cc.Timeout(),
			MaxRetries:    cc.MaxRetries,
			RetryDelay:    cc.RetryDelay(),
			RatePerSecond: cc.RateLimitPerSecond,
		}

		switch curr {
		case currency.BTC:
			reg.Register(NewBitcoin(BitcoinFamilyConfig{RPC: rpcCfg, WalletName: cc.WalletName}, metrics, log))
		case currency.LTC:
			reg.Register(NewLitecoin(BitcoinFamilyConfig{RPC: rpcCfg, WalletName: cc.WalletName}, metrics, log))
		case currency.DASH:
			reg.Register(NewDash(BitcoinFamilyConfig{
				RPC: rpcCfg, WalletName: cc.WalletName, InstantSendEnabled: cc.InstantSendEnabled,
			}, metrics, log))
		case currency.ZEC:
			reg.Register(NewZcash(BitcoinFamilyConfig{RPC: rpcCfg, WalletName: cc.WalletName}, metrics, log))
		case currency.ETH:
			reg.Register(NewEthereum(EVMConfig{RPC: rpcCfg}, metrics, log))
		case currency.USDTERC20:
			a, err := NewERC20(currency.USDTERC20, EVMConfig{
				RPC: rpcCfg, TokenContract: usdtERC20Contract, TokenDecimals: 6,
			}, metrics, log)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
		case currency.USDTTRC20:
			a, err := NewERC20(currency.USDTTRC20, EVMConfig{
				RPC: rpcCfg, TokenContract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", TokenDecimals: 6,
			}, metrics, log)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
		case currency.SOL:
			reg.Register(NewSolana(SolanaConfig{RPC: rpcCfg}, keys, metrics, log))
		}
	}
	return reg, nil
}
