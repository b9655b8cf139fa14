package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/internal/audit"
	"github.com/coinblend/mixcore/internal/cache"
	"github.com/coinblend/mixcore/internal/chain"
	"github.com/coinblend/mixcore/internal/config"
	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/engine"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/monitor"
	"github.com/coinblend/mixcore/internal/pool"
	"github.com/coinblend/mixcore/internal/scheduler"
	"github.com/coinblend/mixcore/internal/store"
	"github.com/coinblend/mixcore/pkg/logger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// btcAddr derives a distinct valid mainnet P2PKH address per seed byte.
func btcAddr(seed byte) string {
	payload := make([]byte, 20)
	payload[0] = seed
	return base58.CheckEncode(payload, 0x00)
}

func dashAddr(seed byte) string {
	payload := make([]byte, 20)
	payload[0] = seed
	return base58.CheckEncode(payload, 0x4C)
}

type memorySink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *memorySink) Append(ctx context.Context, e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) byType(t audit.EventType) []*audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	st    *store.Memory
	pools *pool.Manager
	eng   *engine.Engine
	sched *scheduler.Scheduler
	mon   *monitor.Monitor
	fake  *chain.Fake
	sink  *memorySink
	ks    *keystore.InMemory
}

func newHarness(t *testing.T, curr currency.Currency) *harness {
	t.Helper()
	log := logger.NewDefault("engine-test")
	st := store.NewMemory()
	ks := keystore.NewInMemoryRandom()
	codec := mixcrypto.NewCodec(ks)

	cacheLayer, err := cache.New(cache.Config{}, nil, cache.NewStats(nil), log.Component("cache"))
	require.NoError(t, err)

	sink := &memorySink{}
	rec := audit.NewRecorder(sink, log.Component("audit"))

	fake := chain.NewFake(curr)
	registry := chain.NewRegistry()
	registry.Register(fake)

	pools := pool.NewManager(st, log.Component("pool"))

	cfg := config.MixerConfig{
		ExpiryHours:           24,
		DepositTolerance:      0.0001,
		DispatchBatchSize:     25,
		MaxRetries:            3,
		OverdueThresholdHours: 24,
	}

	eng := engine.New(st, pools, registry, codec, ks, cacheLayer, rec, cfg, log.Component("engine"))
	mon := monitor.New(st, registry, eng, nil, monitor.Config{
		DepositTolerance: dec("0.0001"),
	}, log.Component("monitor"))
	sched := scheduler.New(st, pools, registry, eng, mon, rec, cfg, log.Component("scheduler"))
	mon.BindOutputs(sched)

	return &harness{st: st, pools: pools, eng: eng, sched: sched, mon: mon, fake: fake, sink: sink, ks: ks}
}

func (h *harness) addPool(t *testing.T, curr currency.Currency, target string, minPart, maxPart int) *model.Pool {
	t.Helper()
	info := currency.MustGet(curr)
	p := &model.Pool{
		Currency:        curr,
		Status:          model.PoolStatusWaiting,
		TargetAmount:    dec(target),
		MinAmount:       info.MinAmount,
		MaxAmount:       info.MaxAmount,
		CurrentAmount:   decimal.Zero,
		MinParticipants: minPart,
		MaxParticipants: maxPart,
		AverageAmount:   decimal.Zero,
		SuccessRate:     decimal.NewFromInt(1),
	}
	require.NoError(t, h.st.CreatePool(context.Background(), p))
	return p
}

func (h *harness) addWallet(t *testing.T, curr currency.Currency, balance string) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		Currency: curr,
		Type:     model.WalletHot,
		Address:  "hot-" + string(curr),
		Balance:  dec(balance),
	}
	require.NoError(t, h.st.CreateWallet(context.Background(), w))
	return w
}

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()

	base := engine.CreateParams{
		SessionID:     "session-valid-0001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs: []model.OutputConfig{
			{Address: btcAddr(1), Percentage: dec("100")},
		},
	}

	// Short session id.
	p := base
	p.SessionID = "short"
	_, err := h.eng.CreateRequest(ctx, p)
	assert.True(t, mixerr.IsValidation(err))

	// Amount out of range.
	p = base
	p.Amount = dec("100")
	_, err = h.eng.CreateRequest(ctx, p)
	assert.True(t, mixerr.IsValidation(err))

	// Percentages not summing to 100.
	p = base
	p.Outputs = []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("70")}}
	_, err = h.eng.CreateRequest(ctx, p)
	assert.True(t, mixerr.IsValidation(err))

	// Duplicate output addresses.
	p = base
	p.Outputs = []model.OutputConfig{
		{Address: btcAddr(1), Percentage: dec("50")},
		{Address: btcAddr(1), Percentage: dec("50")},
	}
	_, err = h.eng.CreateRequest(ctx, p)
	assert.True(t, mixerr.IsValidation(err))

	// Invalid address for the currency.
	p = base
	p.Outputs = []model.OutputConfig{{Address: "not-an-address", Percentage: dec("100")}}
	_, err = h.eng.CreateRequest(ctx, p)
	assert.True(t, mixerr.IsValidation(err))

	// Valid creation.
	h.fake.QueueAddress(btcAddr(200))
	req, err := h.eng.CreateRequest(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, req.Status)
	assert.Equal(t, btcAddr(200), req.DepositAddress)
	assert.True(t, req.FeeAmount.Equal(dec("0.0025")))
	assert.True(t, req.OutputAmount.Equal(dec("0.4975")))
	assert.True(t, req.TotalAmount.Equal(dec("0.5025")))

	// Duplicate session id.
	h.fake.QueueAddress(btcAddr(201))
	_, err = h.eng.CreateRequest(ctx, base)
	assert.True(t, mixerr.IsValidation(err))

	assert.Len(t, h.sink.byType(audit.EventMixRequestCreated), 1)
}

// Happy path, single output: deposit, pool, dispatch, confirmations,
// completion.
func TestHappyPathSingleOutput(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	wallet := h.addWallet(t, currency.BTC, "1")

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "happy-path-session-1",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)

	// Deposit arrives with required confirmations.
	h.fake.SetReceived(btcAddr(100), dec("0.5"))
	h.mon.Sweep(ctx, h.fake)

	fresh, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusProcessing, fresh.Status)
	assert.NotEmpty(t, fresh.PoolID)

	addr, err := h.st.GetAddressByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, addr.Used)
	require.NotNil(t, addr.FirstUsedAt)

	// Pool is READY; settle the cohort.
	require.NoError(t, h.eng.SettleReadyPools(ctx))
	fresh, err = h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusSending, fresh.Status)

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Amount.Equal(dec("0.4975")))
	assert.Equal(t, btcAddr(1), obs[0].ToAddress)
	assert.Equal(t, 3, obs[0].RequiredConfs)

	// Dispatch.
	require.NoError(t, h.sched.DispatchDue(ctx))
	obs, _ = h.st.ListObligationsByRequest(ctx, req.ID)
	require.Equal(t, model.ObligationStatusMempool, obs[0].Status)
	require.NotEmpty(t, obs[0].BroadcastTxID)

	w, _ := h.st.GetWallet(ctx, wallet.ID)
	assert.True(t, w.Reserved.Equal(dec("0.4975")))

	// Confirmations reach the requirement.
	h.fake.SetTransaction(&model.ObservedChainTx{
		TxID:          obs[0].BroadcastTxID,
		Currency:      currency.BTC,
		Amount:        obs[0].Amount,
		Confirmations: 3,
		Confirmed:     true,
		BlockHeight:   1001,
	})
	h.mon.Sweep(ctx, h.fake)

	obs, _ = h.st.ListObligationsByRequest(ctx, req.ID)
	assert.Equal(t, model.ObligationStatusConfirmed, obs[0].Status)

	fresh, err = h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, fresh.Status)
	assert.NotNil(t, fresh.CompletedAt)

	// Reservation consumed: balance down, reserved zero.
	w, _ = h.st.GetWallet(ctx, wallet.ID)
	assert.True(t, w.Reserved.IsZero())
	assert.True(t, w.Balance.Equal(dec("0.5025")))
	assert.True(t, w.Available.Equal(w.Balance.Sub(w.Reserved)))

	assert.Len(t, h.sink.byType(audit.EventDepositReceived), 1)
	assert.Len(t, h.sink.byType(audit.EventTransactionSent), 1)
	assert.Len(t, h.sink.byType(audit.EventMixRequestCompleted), 1)
}

func TestDepositRedeliveryIsNoOp(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "5", 2, 10)

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "redelivery-session-1",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)

	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	first, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.RequestStatusProcessing, first.Status)

	// Second delivery changes nothing.
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	second, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	p, err := h.st.GetPool(ctx, first.PoolID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Participants)
}

func TestSplitObligationsSumExactly(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "split-session-00001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.3"),
		Outputs: []model.OutputConfig{
			{Address: btcAddr(1), Percentage: dec("33.33")},
			{Address: btcAddr(2), Percentage: dec("33.33")},
			{Address: btcAddr(3), Percentage: dec("33.34")},
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, obs, 3)

	fresh, _ := h.st.GetRequest(ctx, req.ID)
	sum := decimal.Zero
	for _, ob := range obs {
		sum = sum.Add(ob.Amount)
	}
	assert.True(t, sum.Equal(fresh.OutputAmount), "sum %s vs output %s", sum, fresh.OutputAmount)
}

// Expiry: no deposit before the deadline.
func TestExpiry(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "expiry-session-00001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
		ExpiresIn:     time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	h.mon.Sweep(ctx, h.fake)

	fresh, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusExpired, fresh.Status)

	addr, err := h.st.GetAddressByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, addr.Used)

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, obs)

	_, err = h.st.GetWatchpointByRequest(ctx, req.ID, model.WatchDeposit)
	assert.True(t, mixerr.IsNotFound(err))
}

// Pool cancellation: a member envelope fails to decrypt during settlement.
func TestCohortCancelOnCryptoFailure(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.92", 2, 10)

	var reqs []*model.MixRequest
	for i := byte(0); i < 3; i++ {
		h.fake.QueueAddress(btcAddr(100 + i))
		req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
			SessionID:     fmt.Sprintf("cohort-session-%04d", i),
			Currency:      currency.BTC,
			Amount:        dec("0.5"),
			FeePercentage: dec("0.5"),
			Outputs:       []model.OutputConfig{{Address: btcAddr(10 + i), Percentage: dec("100")}},
		})
		require.NoError(t, err)
		require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-"+req.ID, dec("0.5")))
		reqs = append(reqs, req)
	}

	// Corrupt the second member's envelope.
	victim, err := h.st.GetRequest(ctx, reqs[1].ID)
	require.NoError(t, err)
	victim.EncryptedMetadata[len(victim.EncryptedMetadata)/2] ^= 0xFF
	require.NoError(t, h.st.UpdateRequest(ctx, victim))
	poolID := victim.PoolID
	require.NotEmpty(t, poolID)

	// Settlement logs the failure and cancels the cohort without surfacing
	// an error to the sweep.
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	p, err := h.st.GetPool(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusCancelled, p.Status)
	assert.False(t, p.Locked)

	for _, req := range reqs {
		fresh, err := h.st.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusProcessing, fresh.Status)
		assert.Empty(t, fresh.PoolID)
	}

	alerts := h.sink.byType(audit.EventSecurityAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, audit.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, reqs[1].ID, alerts[0].RequestID)
}

// Retry then success: two transient broadcast failures, then a success.
func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	wallet := h.addWallet(t, currency.BTC, "1")
	preReserved, _ := h.st.GetWallet(ctx, wallet.ID)

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "retry-session-000001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	h.fake.FailBroadcasts(
		mixerr.Transient("rpc server unavailable", nil),
		mixerr.Transient("rpc server unavailable", nil),
		nil,
	)

	redeliver := func() {
		obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, obs, 1)
		if obs[0].Status == model.ObligationStatusPending {
			obs[0].ScheduledAt = time.Now().UTC().Add(-time.Minute)
			require.NoError(t, h.st.UpdateObligation(ctx, obs[0]))
		}
	}

	for i := 0; i < 3; i++ {
		redeliver()
		require.NoError(t, h.sched.DispatchDue(ctx))
	}

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, model.ObligationStatusMempool, obs[0].Status)
	assert.Equal(t, 2, obs[0].RetryCount)

	// Confirm and verify reservations return to the pre-broadcast level.
	h.fake.SetTransaction(&model.ObservedChainTx{
		TxID:          obs[0].BroadcastTxID,
		Currency:      currency.BTC,
		Confirmations: 3,
		Confirmed:     true,
	})
	h.mon.Sweep(ctx, h.fake)

	fresh, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, fresh.Status)

	w, _ := h.st.GetWallet(ctx, wallet.ID)
	assert.True(t, w.Reserved.Equal(preReserved.Reserved))
}

// Retry exhaustion fails the request.
func TestRetryExhaustionFailsRequest(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	h.addWallet(t, currency.BTC, "1")

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "exhaust-session-0001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	h.fake.FailBroadcasts(
		mixerr.Transient("unavailable", nil),
		mixerr.Transient("unavailable", nil),
		mixerr.Transient("unavailable", nil),
	)
	for i := 0; i < 3; i++ {
		obs, _ := h.st.ListObligationsByRequest(ctx, req.ID)
		if obs[0].Status == model.ObligationStatusPending {
			obs[0].ScheduledAt = time.Now().UTC().Add(-time.Minute)
			require.NoError(t, h.st.UpdateObligation(ctx, obs[0]))
		}
		require.NoError(t, h.sched.DispatchDue(ctx))
	}

	obs, _ := h.st.ListObligationsByRequest(ctx, req.ID)
	assert.Equal(t, model.ObligationStatusFailed, obs[0].Status)

	fresh, _ := h.st.GetRequest(ctx, req.ID)
	assert.Equal(t, model.RequestStatusFailed, fresh.Status)
	assert.Len(t, h.sink.byType(audit.EventMixRequestFailed), 1)
}

// Permanent upstream rejection fails fast without burning retries.
func TestPermanentRejectionFailsFast(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	h.addWallet(t, currency.BTC, "1")

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "permanent-session-01",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	h.fake.FailBroadcasts(mixerr.Permanent("insufficient funds", nil))
	require.NoError(t, h.sched.DispatchDue(ctx))

	obs, _ := h.st.ListObligationsByRequest(ctx, req.ID)
	assert.Equal(t, model.ObligationStatusFailed, obs[0].Status)
	fresh, _ := h.st.GetRequest(ctx, req.ID)
	assert.Equal(t, model.RequestStatusFailed, fresh.Status)
}

// Dash InstantSend: finality in seconds, one confirmation equivalent.
func TestDashInstantSend(t *testing.T) {
	h := newHarness(t, currency.DASH)
	ctx := context.Background()
	h.addPool(t, currency.DASH, "0.95", 1, 10)
	wallet := h.addWallet(t, currency.DASH, "10")

	h.fake.QueueAddress(dashAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "instantsend-session1",
		Currency:      currency.DASH,
		Amount:        dec("1"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: dashAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("1")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	obs, _ := h.st.ListObligationsByRequest(ctx, req.ID)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].UseInstantSend)
	assert.Equal(t, 1, obs[0].RequiredConfs)

	require.NoError(t, h.sched.DispatchDue(ctx))
	obs, _ = h.st.ListObligationsByRequest(ctx, req.ID)
	require.Equal(t, model.ObligationStatusMempool, obs[0].Status)
	assert.True(t, h.fake.Broadcasts[0].UseInstantSend)

	// InstantSend lock arrives before any block inclusion.
	h.fake.SetTransaction(&model.ObservedChainTx{
		TxID:          obs[0].BroadcastTxID,
		Currency:      currency.DASH,
		Confirmations: 1,
		InstantLocked: true,
	})
	h.mon.Sweep(ctx, h.fake)

	obs, _ = h.st.ListObligationsByRequest(ctx, req.ID)
	assert.Equal(t, model.ObligationStatusConfirmed, obs[0].Status)

	fresh, _ := h.st.GetRequest(ctx, req.ID)
	assert.Equal(t, model.RequestStatusCompleted, fresh.Status)

	w, _ := h.st.GetWallet(ctx, wallet.ID)
	assert.True(t, w.Reserved.IsZero())
}

// Capacity shortfall defers without consuming retries.
func TestCapacityDeferral(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	// No wallet registered.

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "capacity-session-001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	require.NoError(t, h.sched.DispatchDue(ctx))

	obs, _ := h.st.ListObligationsByRequest(ctx, req.ID)
	assert.Equal(t, model.ObligationStatusPending, obs[0].Status)
	assert.Equal(t, 0, obs[0].RetryCount)
	assert.True(t, obs[0].ScheduledAt.After(time.Now()))
}

func TestIllegalTransitionsRejected(t *testing.T) {
	assert.True(t, engine.LegalTransition(model.RequestStatusPending, model.RequestStatusProcessing))
	assert.True(t, engine.LegalTransition(model.RequestStatusMixing, model.RequestStatusProcessing))
	assert.False(t, engine.LegalTransition(model.RequestStatusPending, model.RequestStatusSending))
	assert.False(t, engine.LegalTransition(model.RequestStatusCompleted, model.RequestStatusPending))
	assert.False(t, engine.LegalTransition(model.RequestStatusExpired, model.RequestStatusProcessing))
	assert.False(t, engine.LegalTransition(model.RequestStatusSending, model.RequestStatusMixing))
}

func TestCancelPendingRequest(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "cancel-session-00001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)

	require.NoError(t, h.eng.CancelRequest(ctx, req.ID))
	fresh, _ := h.st.GetRequest(ctx, req.ID)
	assert.Equal(t, model.RequestStatusCancelled, fresh.Status)

	// Cancelling twice is rejected: CANCELLED is terminal.
	err = h.eng.CancelRequest(ctx, req.ID)
	assert.Error(t, err)
}

func TestPartialDepositDoesNotAdvance(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "5", 2, 10)

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "partial-session-0001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)

	// Only half the expected amount has arrived.
	h.fake.SetReceived(btcAddr(100), dec("0.25"))
	h.mon.Sweep(ctx, h.fake)

	fresh, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, fresh.Status)

	// The partial arrival is still recorded for audit.
	tx, err := h.st.GetChainTx(ctx, currency.BTC, "utxo-"+btcAddr(100))
	require.NoError(t, err)
	assert.False(t, tx.Confirmed)
}

// runToConfirmed drives a single-output BTC request through deposit,
// settlement, dispatch and confirmation.
func runToConfirmed(t *testing.T, h *harness) (*model.MixRequest, *model.OutputObligation, *model.Wallet) {
	t.Helper()
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)
	wallet := h.addWallet(t, currency.BTC, "1")

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "reorg-session-000001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs:       []model.OutputConfig{{Address: btcAddr(1), Percentage: dec("100")}},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-dep", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))
	require.NoError(t, h.sched.DispatchDue(ctx))

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)

	h.fake.SetTransaction(&model.ObservedChainTx{
		TxID:          obs[0].BroadcastTxID,
		Currency:      currency.BTC,
		Amount:        obs[0].Amount,
		Confirmations: 3,
		Confirmed:     true,
		BlockHeight:   1001,
	})
	h.mon.Sweep(ctx, h.fake)

	obs, err = h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.ObligationStatusConfirmed, obs[0].Status)
	return req, obs[0], wallet
}

// Reorg injection reopens confirmed obligations, reasserts the wallet
// reservation and resumes confirmation tracking.
func TestHandleReorgReopensConfirmedObligation(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	req, ob, wallet := runToConfirmed(t, h)

	reopened, err := h.eng.HandleReorg(ctx, currency.BTC, 1001)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened)

	fresh, err := h.st.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObligationStatusMempool, fresh.Status)
	assert.Equal(t, 0, fresh.Confirmations)
	assert.Nil(t, fresh.ConfirmedAt)

	// The consumed reservation is reasserted until the tx re-confirms.
	w, err := h.st.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, w.Reserved.Equal(ob.Amount))
	assert.True(t, w.Balance.Equal(dec("1")))
	assert.True(t, w.Available.Equal(w.Balance.Sub(w.Reserved)))

	// Tracking resumed.
	wp, err := h.st.GetWatchpointByRequest(ctx, req.ID, model.WatchOutput)
	require.NoError(t, err)
	assert.Equal(t, ob.BroadcastTxID, wp.TxID)

	// The chain record only un-confirms through the reorg path.
	tx, err := h.st.GetChainTx(ctx, currency.BTC, ob.BroadcastTxID)
	require.NoError(t, err)
	assert.False(t, tx.Confirmed)

	// Re-injecting the same reorg while the record is already downgraded is
	// a no-op.
	reopened, err = h.eng.HandleReorg(ctx, currency.BTC, 1001)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened)

	// The canonical chain re-includes the transaction: the obligation
	// confirms again and the reservation is consumed once.
	h.mon.Sweep(ctx, h.fake)

	fresh, err = h.st.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObligationStatusConfirmed, fresh.Status)

	w, err = h.st.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, w.Reserved.IsZero())
	assert.True(t, w.Balance.Equal(dec("0.5025")))

	// The owning request stays COMPLETED throughout.
	r, err := h.st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, r.Status)
}

// A downgraded observation reaching the scheduler directly also reopens a
// confirmed obligation.
func TestDowngradedObservationReopensObligation(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	_, ob, wallet := runToConfirmed(t, h)

	require.NoError(t, h.sched.HandleOutputObservation(ctx, &model.ObservedChainTx{
		TxID:          ob.BroadcastTxID,
		Currency:      currency.BTC,
		Confirmations: 1,
		Confirmed:     false,
	}))

	fresh, err := h.st.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObligationStatusMempool, fresh.Status)
	assert.Equal(t, 1, fresh.Confirmations)

	w, err := h.st.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, w.Reserved.Equal(ob.Amount))
	assert.True(t, w.Balance.Equal(dec("1")))

	// A confirming re-delivery on an already-confirmed obligation is still
	// a no-op.
	require.NoError(t, h.sched.HandleOutputObservation(ctx, &model.ObservedChainTx{
		TxID:          ob.BroadcastTxID,
		Currency:      currency.BTC,
		Confirmations: 3,
		Confirmed:     true,
	}))
	require.NoError(t, h.sched.HandleOutputObservation(ctx, &model.ObservedChainTx{
		TxID:          ob.BroadcastTxID,
		Currency:      currency.BTC,
		Confirmations: 4,
		Confirmed:     true,
	}))

	fresh, err = h.st.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObligationStatusConfirmed, fresh.Status)
	w, err = h.st.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, w.Reserved.IsZero())
	assert.True(t, w.Balance.Equal(dec("0.5025")))
}

// Sorted settlement: obligations are materialised largest share first.
func TestObligationsOrderedByShare(t *testing.T) {
	h := newHarness(t, currency.BTC)
	ctx := context.Background()
	h.addPool(t, currency.BTC, "0.46", 1, 10)

	h.fake.QueueAddress(btcAddr(100))
	req, err := h.eng.CreateRequest(ctx, engine.CreateParams{
		SessionID:     "ordered-session-0001",
		Currency:      currency.BTC,
		Amount:        dec("0.5"),
		FeePercentage: dec("0.5"),
		Outputs: []model.OutputConfig{
			{Address: btcAddr(1), Percentage: dec("20")},
			{Address: btcAddr(2), Percentage: dec("50")},
			{Address: btcAddr(3), Percentage: dec("30")},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.eng.HandleDepositConfirmed(ctx, req.ID, "tx-1", dec("0.5")))
	require.NoError(t, h.eng.SettleReadyPools(ctx))

	obs, err := h.st.ListObligationsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, btcAddr(2), obs[0].ToAddress)
	assert.Equal(t, btcAddr(3), obs[1].ToAddress)
	assert.Equal(t, btcAddr(1), obs[2].ToAddress)
	assert.True(t, obs[0].Percentage.Equal(dec("50")))
	assert.Equal(t, 0, obs[0].OutputIndex)
}
