package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/mixerr"
	"github.com/coinblend/mixcore/internal/model"
)

// Memory is an in-process Store used by component tests and the single-node
// development mode. Semantics mirror the Postgres implementation, including
// the optimistic guards.
type Memory struct {
	mu          sync.Mutex
	requests    map[string]*model.MixRequest
	addresses   map[string]*model.DepositAddress
	pools       map[string]*model.Pool
	obligations map[string]*model.OutputObligation
	chainTxs    map[string]*model.ObservedChainTx // key: currency|txid
	wallets     map[string]*model.Wallet
	watchpoints map[string]*model.Watchpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]*model.MixRequest),
		addresses:   make(map[string]*model.DepositAddress),
		pools:       make(map[string]*model.Pool),
		obligations: make(map[string]*model.OutputObligation),
		chainTxs:    make(map[string]*model.ObservedChainTx),
		wallets:     make(map[string]*model.Wallet),
		watchpoints: make(map[string]*model.Watchpoint),
	}
}

// WithinTx runs fn against the same store; the in-memory form provides no
// rollback, which the tests it serves never rely on.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	return fn(ctx, m)
}

func copyRequest(r *model.MixRequest) *model.MixRequest {
	c := *r
	c.Outputs = append([]model.OutputConfig(nil), r.Outputs...)
	c.EncryptedMetadata = append([]byte(nil), r.EncryptedMetadata...)
	return &c
}

// CreateRequest inserts a request.
func (m *Memory) CreateRequest(ctx context.Context, req *model.MixRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	for _, existing := range m.requests {
		if existing.SessionID == req.SessionID && existing.DeletedAt == nil {
			return mixerr.Consistency("unique constraint violated", nil)
		}
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Version = 1
	req.TotalAmount = currency.Round(req.Currency, req.Amount.Add(req.FeeAmount))
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.DeletedAt != nil {
		return nil, mixerr.NotFound("mix_request", id)
	}
	return copyRequest(r), nil
}

func (m *Memory) GetRequestBySession(ctx context.Context, sessionID string) (*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.SessionID == sessionID && r.DeletedAt == nil {
			return copyRequest(r), nil
		}
	}
	return nil, mixerr.NotFound("mix_request", sessionID)
}

func (m *Memory) UpdateRequest(ctx context.Context, req *model.MixRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[req.ID]
	if !ok || current.DeletedAt != nil {
		return mixerr.NotFound("mix_request", req.ID)
	}
	if current.Version != req.Version {
		return mixerr.Consistency("update mix request lost optimistic guard", nil)
	}
	req.UpdatedAt = time.Now().UTC()
	req.Version++
	req.TotalAmount = currency.Round(req.Currency, req.Amount.Add(req.FeeAmount))
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *Memory) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.DeletedAt != nil || r.Status != from {
		return mixerr.Consistency("transition mix request lost optimistic guard", nil)
	}
	r.Status = to
	now := time.Now().UTC()
	if to == model.RequestStatusCompleted {
		r.CompletedAt = &now
	}
	r.UpdatedAt = now
	r.Version++
	return nil
}

func (m *Memory) listRequests(filter func(*model.MixRequest) bool) []*model.MixRequest {
	var out []*model.MixRequest
	for _, r := range m.requests {
		if r.DeletedAt == nil && filter(r) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) ListRequestsByStatus(ctx context.Context, c currency.Currency, status model.RequestStatus, limit int) ([]*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listRequests(func(r *model.MixRequest) bool {
		return r.Currency == c && r.Status == status
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRequestsByPool(ctx context.Context, poolID string) ([]*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRequests(func(r *model.MixRequest) bool { return r.PoolID == poolID }), nil
}

func (m *Memory) ListUnpooledRequests(ctx context.Context, limit int) ([]*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listRequests(func(r *model.MixRequest) bool {
		return r.Status == model.RequestStatusProcessing && r.PoolID == ""
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listRequests(func(r *model.MixRequest) bool {
		return r.Status == model.RequestStatusPending && r.ExpiresAt.Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRequestsBelowKeyVersion(ctx context.Context, version int, limit int) ([]*model.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listRequests(func(r *model.MixRequest) bool {
		return r.KeyVersion < version && len(r.EncryptedMetadata) > 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SoftDeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.DeletedAt != nil {
		return mixerr.Consistency("soft delete mix request lost optimistic guard", nil)
	}
	now := time.Now().UTC()
	r.DeletedAt = &now
	return nil
}

func (m *Memory) CountRequestsByStatus(ctx context.Context) (map[model.RequestStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.RequestStatus]int64)
	for _, r := range m.requests {
		if r.DeletedAt == nil {
			counts[r.Status]++
		}
	}
	return counts, nil
}

// Addresses.

func (m *Memory) CreateAddress(ctx context.Context, addr *model.DepositAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr.ID == "" {
		addr.ID = uuid.NewString()
	}
	for _, existing := range m.addresses {
		if existing.Address == addr.Address && existing.Currency == addr.Currency {
			return mixerr.Consistency("unique constraint violated", nil)
		}
	}
	now := time.Now().UTC()
	addr.CreatedAt = now
	addr.UpdatedAt = now
	c := *addr
	m.addresses[addr.ID] = &c
	return nil
}

func (m *Memory) GetAddressByRequest(ctx context.Context, requestID string) (*model.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.addresses {
		if a.RequestID == requestID {
			c := *a
			return &c, nil
		}
	}
	return nil, mixerr.NotFound("deposit_address", requestID)
}

func (m *Memory) GetAddress(ctx context.Context, address string, cur currency.Currency) (*model.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.addresses {
		if a.Address == address && a.Currency == cur {
			c := *a
			return &c, nil
		}
	}
	return nil, mixerr.NotFound("deposit_address", address)
}

func (m *Memory) MarkAddressUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[id]
	if !ok {
		return mixerr.NotFound("deposit_address", id)
	}
	a.Used = true
	if a.FirstUsedAt == nil {
		t := at.UTC()
		a.FirstUsedAt = &t
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) LiveAddressExists(ctx context.Context, address string, cur currency.Currency) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.addresses {
		if a.Address != address || a.Currency != cur {
			continue
		}
		if r, ok := m.requests[a.RequestID]; ok && r.DeletedAt == nil && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DecommissionAddress(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[id]
	if !ok {
		return mixerr.Consistency("decommission deposit address lost optimistic guard", nil)
	}
	a.Used = false
	a.ExpiresAt = time.Now().UTC()
	a.UpdatedAt = a.ExpiresAt
	return nil
}

// Pools.

func (m *Memory) CreatePool(ctx context.Context, p *model.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1
	c := *p
	m.pools[p.ID] = &c
	return nil
}

func (m *Memory) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, mixerr.NotFound("pool", id)
	}
	c := *p
	return &c, nil
}

func (m *Memory) UpdatePool(ctx context.Context, p *model.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.pools[p.ID]
	if !ok {
		return mixerr.NotFound("pool", p.ID)
	}
	if current.Version != p.Version {
		return mixerr.Consistency("update pool lost optimistic guard", nil)
	}
	p.UpdatedAt = time.Now().UTC()
	p.Version++
	c := *p
	m.pools[p.ID] = &c
	return nil
}

func (m *Memory) ListPoolsByCurrency(ctx context.Context, cur currency.Currency, statuses []model.PoolStatus) ([]*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[model.PoolStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []*model.Pool
	for _, p := range m.pools {
		if p.Currency == cur && allowed[p.Status] {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if cmp := a.CurrentAmount.Cmp(b.CurrentAmount); cmp != 0 {
			return cmp > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (m *Memory) ListPoolsByStatus(ctx context.Context, status model.PoolStatus, limit int) ([]*model.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Pool
	for _, p := range m.pools {
		if p.Status == status {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Obligations.

func (m *Memory) CreateObligations(ctx context.Context, obs []*model.OutputObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, ob := range obs {
		if ob.ID == "" {
			ob.ID = uuid.NewString()
		}
		ob.CreatedAt = now
		ob.UpdatedAt = now
		ob.Version = 1
		c := *ob
		m.obligations[ob.ID] = &c
	}
	return nil
}

func (m *Memory) GetObligation(ctx context.Context, id string) (*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok || ob.DeletedAt != nil {
		return nil, mixerr.NotFound("obligation", id)
	}
	c := *ob
	return &c, nil
}

func (m *Memory) GetObligationByTxID(ctx context.Context, cur currency.Currency, txID string) (*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ob := range m.obligations {
		if ob.Currency == cur && ob.BroadcastTxID == txID && ob.DeletedAt == nil {
			c := *ob
			return &c, nil
		}
	}
	return nil, mixerr.NotFound("obligation", txID)
}

func (m *Memory) UpdateObligation(ctx context.Context, ob *model.OutputObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.obligations[ob.ID]
	if !ok || current.DeletedAt != nil {
		return mixerr.NotFound("obligation", ob.ID)
	}
	if current.Version != ob.Version {
		return mixerr.Consistency("update obligation lost optimistic guard", nil)
	}
	ob.UpdatedAt = time.Now().UTC()
	ob.Version++
	c := *ob
	m.obligations[ob.ID] = &c
	return nil
}

func (m *Memory) listObligations(filter func(*model.OutputObligation) bool) []*model.OutputObligation {
	var out []*model.OutputObligation
	for _, ob := range m.obligations {
		if ob.DeletedAt == nil && filter(ob) {
			c := *ob
			out = append(out, &c)
		}
	}
	return out
}

func (m *Memory) ListDueObligations(ctx context.Context, now time.Time, limit int) ([]*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listObligations(func(ob *model.OutputObligation) bool {
		return ob.Status == model.ObligationStatusPending &&
			!ob.ScheduledAt.After(now) && ob.RetryCount < ob.MaxRetries
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListObligationsByRequest(ctx context.Context, requestID string) ([]*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listObligations(func(ob *model.OutputObligation) bool { return ob.RequestID == requestID })
	sort.Slice(out, func(i, j int) bool { return out[i].OutputIndex < out[j].OutputIndex })
	return out, nil
}

func (m *Memory) ListObligationsInFlight(ctx context.Context, limit int) ([]*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listObligations(func(ob *model.OutputObligation) bool {
		return ob.Status == model.ObligationStatusBroadcasting || ob.Status == model.ObligationStatusMempool
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListOverdueObligations(ctx context.Context, threshold time.Time, limit int) ([]*model.OutputObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listObligations(func(ob *model.OutputObligation) bool {
		return ob.Status != model.ObligationStatusConfirmed &&
			ob.Status != model.ObligationStatusFailed &&
			ob.ScheduledAt.Before(threshold)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountUnconfirmedObligations(ctx context.Context, requestID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ob := range m.obligations {
		if ob.DeletedAt == nil && ob.RequestID == requestID && ob.Status != model.ObligationStatusConfirmed {
			n++
		}
	}
	return n, nil
}

// Chain transactions.

func chainKey(c currency.Currency, txID string) string { return string(c) + "|" + txID }

func (m *Memory) UpsertChainTx(ctx context.Context, tx *model.ObservedChainTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chainKey(tx.Currency, tx.TxID)
	now := time.Now().UTC()
	if existing, ok := m.chainTxs[key]; ok {
		if tx.RequestID != "" {
			existing.RequestID = tx.RequestID
		}
		existing.Amount = tx.Amount
		existing.Fee = tx.Fee
		existing.BlockHeight = tx.BlockHeight
		existing.BlockHash = tx.BlockHash
		if tx.Confirmations > existing.Confirmations {
			existing.Confirmations = tx.Confirmations
		}
		existing.Confirmed = existing.Confirmed || tx.Confirmed
		existing.Failed = tx.Failed
		existing.InstantLocked = existing.InstantLocked || tx.InstantLocked
		existing.LastCheckedAt = now
		existing.CheckCount++
		existing.UpdatedAt = now
		return nil
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.CheckCount = 1
	c := *tx
	m.chainTxs[key] = &c
	return nil
}

func (m *Memory) GetChainTx(ctx context.Context, cur currency.Currency, txID string) (*model.ObservedChainTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.chainTxs[chainKey(cur, txID)]
	if !ok {
		return nil, mixerr.NotFound("chain_tx", txID)
	}
	c := *tx
	return &c, nil
}

func (m *Memory) InjectReorg(ctx context.Context, cur currency.Currency, height uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txIDs []string
	for _, tx := range m.chainTxs {
		if tx.Currency == cur && tx.Confirmed && tx.BlockHeight >= height {
			tx.Confirmed = false
			tx.Confirmations = 0
			txIDs = append(txIDs, tx.TxID)
		}
	}
	return txIDs, nil
}

// Wallets.

func (m *Memory) CreateWallet(ctx context.Context, w *model.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Version = 1
	w.Available = w.Balance.Sub(w.Reserved)
	c := *w
	m.wallets[w.ID] = &c
	return nil
}

func (m *Memory) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || w.DeletedAt != nil {
		return nil, mixerr.NotFound("wallet", id)
	}
	c := *w
	return &c, nil
}

func (m *Memory) SelectWallet(ctx context.Context, cur currency.Currency, amount decimal.Decimal) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Wallet
	for _, w := range m.wallets {
		if w.Currency != cur || w.Compromised || w.DeletedAt != nil {
			continue
		}
		if w.Type != model.WalletHot && w.Type != model.WalletPool {
			continue
		}
		if w.Available.Cmp(amount) < 0 {
			continue
		}
		if best == nil || w.Available.Cmp(best.Available) > 0 {
			best = w
		}
	}
	if best == nil {
		return nil, mixerr.Capacity("no wallet with sufficient available balance").
			WithDetail("currency", string(cur))
	}
	c := *best
	return &c, nil
}

func (m *Memory) ReserveWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || w.DeletedAt != nil || w.Compromised {
		return mixerr.Capacity("wallet reservation lost").WithDetail("wallet", id)
	}
	if w.Balance.Sub(w.Reserved).Cmp(amount) < 0 {
		return mixerr.Capacity("wallet reservation lost").WithDetail("wallet", id)
	}
	w.Reserved = w.Reserved.Add(amount)
	w.Available = w.Balance.Sub(w.Reserved)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ReleaseWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return mixerr.Consistency("release wallet lost optimistic guard", nil)
	}
	w.Reserved = w.Reserved.Sub(amount)
	if w.Reserved.Sign() < 0 {
		w.Reserved = decimal.Zero
	}
	w.Available = w.Balance.Sub(w.Reserved)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ConsumeReservation(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || w.Reserved.Cmp(amount) < 0 {
		return mixerr.Consistency("consume reservation lost optimistic guard", nil)
	}
	w.Balance = w.Balance.Sub(amount)
	w.Reserved = w.Reserved.Sub(amount)
	w.Available = w.Balance.Sub(w.Reserved)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CreditWallet(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return mixerr.Consistency("credit wallet lost optimistic guard", nil)
	}
	w.Balance = w.Balance.Add(amount)
	w.Available = w.Balance.Sub(w.Reserved)
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkWalletCompromised(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return mixerr.Consistency("mark wallet compromised lost optimistic guard", nil)
	}
	w.Compromised = true
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListWallets(ctx context.Context, cur currency.Currency) ([]*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Wallet
	for _, w := range m.wallets {
		if w.Currency == cur && w.DeletedAt == nil {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Watchpoints.

func (m *Memory) CreateWatchpoint(ctx context.Context, w *model.Watchpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.CheckIntervalMinutes < 1 {
		w.CheckIntervalMinutes = 5
	}
	c := *w
	m.watchpoints[w.ID] = &c
	return nil
}

func (m *Memory) ListDueWatchpoints(ctx context.Context, cur currency.Currency, kind model.WatchKind, now time.Time, limit int) ([]*model.Watchpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Watchpoint
	for _, w := range m.watchpoints {
		if w.Currency != cur || w.Kind != kind || w.Detected || !w.ExpiresAt.After(now) {
			continue
		}
		if w.LastCheckedAt != nil {
			next := w.LastCheckedAt.Add(time.Duration(w.CheckIntervalMinutes) * time.Minute)
			if next.After(now) {
				continue
			}
		}
		c := *w
		out = append(out, &c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExpiredWatchpoints(ctx context.Context, cur currency.Currency, now time.Time, limit int) ([]*model.Watchpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Watchpoint
	for _, w := range m.watchpoints {
		if w.Currency == cur && !w.Detected && !w.ExpiresAt.After(now) {
			c := *w
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkWatchpointDetected(ctx context.Context, id string, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchpoints[id]
	if !ok || w.Detected {
		return false, nil
	}
	w.Detected = true
	w.TxID = txID
	w.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) TouchWatchpoint(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchpoints[id]; ok {
		t := at.UTC()
		w.LastCheckedAt = &t
		w.UpdatedAt = t
	}
	return nil
}

func (m *Memory) DeleteWatchpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchpoints, id)
	return nil
}

func (m *Memory) GetWatchpointByRequest(ctx context.Context, requestID string, kind model.WatchKind) (*model.Watchpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchpoints {
		if w.RequestID == requestID && w.Kind == kind {
			c := *w
			return &c, nil
		}
	}
	return nil, mixerr.NotFound("watchpoint", requestID)
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
