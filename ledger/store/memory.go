// Package store provides in-memory ledger store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/remit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	users    map[ledger.UserID]ledger.User
	clients  map[ledger.ClientID]ledger.Client
	txs      map[ledger.TransactionID]ledger.Transaction
	payments []ledger.Payment
	settings ledger.Settings

	// faults maps a write operation name to the error it should return.
	faults map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[ledger.UserID]ledger.User),
		clients:  make(map[ledger.ClientID]ledger.Client),
		txs:      make(map[ledger.TransactionID]ledger.Transaction),
		settings: ledger.Settings{ExchangeRate: decimal.Zero, MainBalance: ledger.GNF(0)},
		faults:   make(map[string]error),
	}
}

// FailOn makes every later call of the named write operation return err.
// A nil err clears the fault.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *Memory) fault(op string) error { return m.faults[op] }

// ----- reads -----

func (m *Memory) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id)
}

func (m *Memory) getUserLocked(id ledger.UserID) (ledger.User, error) {
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUsersLocked(), nil
}

func (m *Memory) listUsersLocked() []ledger.User {
	out := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getClientLocked(id)
}

func (m *Memory) getClientLocked(id ledger.ClientID) (ledger.Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return ledger.Client{}, &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	return c, nil
}

func (m *Memory) ListClients(ctx context.Context, owner ledger.UserID) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listClientsLocked(owner), nil
}

func (m *Memory) listClientsLocked(owner ledger.UserID) []ledger.Client {
	out := []ledger.Client{}
	for _, c := range m.clients {
		if owner == "" || c.UserID == owner {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) ClientInUse(ctx context.Context, id ledger.ClientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientInUseLocked(id), nil
}

func (m *Memory) clientInUseLocked(id ledger.ClientID) bool {
	for _, tx := range m.txs {
		if tx.ClientID == id {
			return true
		}
	}
	return false
}

func (m *Memory) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	tx, ok := m.txs[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return copyTransaction(tx), nil
}

func (m *Memory) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(f), nil
}

// listTransactionsLocked returns matching rows newest first.
func (m *Memory) listTransactionsLocked(f ledger.TransactionFilter) []ledger.Transaction {
	out := []ledger.Transaction{}
	for _, tx := range m.txs {
		if f.Matches(tx) {
			out = append(out, copyTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) FindTransactionsWithNames(ctx context.Context, f ledger.TransactionFilter) ([]ledger.EnrichedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enrichLocked(m.listTransactionsLocked(f)), nil
}

func (m *Memory) enrichLocked(txs []ledger.Transaction) []ledger.EnrichedTransaction {
	out := make([]ledger.EnrichedTransaction, 0, len(txs))
	for _, tx := range txs {
		row := ledger.EnrichedTransaction{Transaction: tx, ClientName: ledger.OccasionalCounterparty}
		if u, ok := m.users[tx.UserID]; ok {
			row.UserName = u.Name
		}
		if c, ok := m.clients[tx.ClientID]; ok && tx.ClientID != "" {
			row.ClientName = c.Name
		}
		out = append(out, row)
	}
	return out
}

func (m *Memory) ListPayments(ctx context.Context, userID ledger.UserID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentsLocked(userID), nil
}

func (m *Memory) listPaymentsLocked(userID ledger.UserID) []ledger.Payment {
	out := []ledger.Payment{}
	for _, p := range m.payments {
		if userID == "" || p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) GetSettings(ctx context.Context) (ledger.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

// ----- writes -----

func (m *Memory) SaveUser(ctx context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUserLocked(u)
}

func (m *Memory) saveUserLocked(u ledger.User) error {
	if err := m.fault("SaveUser"); err != nil {
		return err
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SaveClient(ctx context.Context, c ledger.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveClientLocked(c)
}

func (m *Memory) saveClientLocked(c ledger.Client) error {
	if err := m.fault("SaveClient"); err != nil {
		return err
	}
	m.clients[c.ID] = c
	return nil
}

func (m *Memory) DeleteClient(ctx context.Context, id ledger.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteClientLocked(id)
}

func (m *Memory) deleteClientLocked(id ledger.ClientID) error {
	if err := m.fault("DeleteClient"); err != nil {
		return err
	}
	if _, ok := m.clients[id]; !ok {
		return &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	delete(m.clients, id)
	return nil
}

func (m *Memory) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTransactionLocked(tx)
}

func (m *Memory) insertTransactionLocked(tx ledger.Transaction) error {
	if err := m.fault("InsertTransaction"); err != nil {
		return err
	}
	if _, exists := m.txs[tx.ID]; exists {
		return &ledger.ConflictError{Kind: "transaction", ID: string(tx.ID), Reason: "already exists"}
	}
	m.txs[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx ledger.Transaction, expect ledger.Precondition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTransactionLocked(tx, expect)
}

func (m *Memory) updateTransactionLocked(tx ledger.Transaction, expect ledger.Precondition) error {
	if err := m.fault("UpdateTransaction"); err != nil {
		return err
	}
	cur, ok := m.txs[tx.ID]
	if !ok {
		return &ledger.NotFoundError{Kind: "transaction", ID: string(tx.ID)}
	}
	if ledger.PreconditionOf(cur) != expect {
		return ledger.ErrStaleWrite
	}
	m.txs[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *Memory) PurgeTransaction(ctx context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeTransactionLocked(id)
}

func (m *Memory) purgeTransactionLocked(id ledger.TransactionID) error {
	if err := m.fault("PurgeTransaction"); err != nil {
		return err
	}
	cur, ok := m.txs[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if !cur.IsDeleted {
		return ledger.ErrStaleWrite
	}
	delete(m.txs, id)
	return nil
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPaymentLocked(p)
}

func (m *Memory) insertPaymentLocked(p ledger.Payment) error {
	if err := m.fault("InsertPayment"); err != nil {
		return err
	}
	m.payments = append(m.payments, p)
	return nil
}

func (m *Memory) AdjustWallet(ctx context.Context, id ledger.UserID, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustWalletLocked(id, delta)
}

func (m *Memory) adjustWalletLocked(id ledger.UserID, delta decimal.Decimal) error {
	if err := m.fault("AdjustWallet"); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	u.WalletBalance = ledger.NewMoney(u.WalletBalance.Value.Add(delta), ledger.CurrencySettlement)
	m.users[id] = u
	return nil
}

func (m *Memory) AdjustMainBalance(ctx context.Context, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustMainBalanceLocked(delta)
}

func (m *Memory) adjustMainBalanceLocked(delta decimal.Decimal) error {
	if err := m.fault("AdjustMainBalance"); err != nil {
		return err
	}
	m.settings.MainBalance = ledger.NewMoney(m.settings.MainBalance.Value.Add(delta), ledger.CurrencySettlement)
	return nil
}

func (m *Memory) SetExchangeRate(ctx context.Context, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setExchangeRateLocked(rate)
}

func (m *Memory) setExchangeRateLocked(rate decimal.Decimal) error {
	if err := m.fault("SetExchangeRate"); err != nil {
		return err
	}
	m.settings.ExchangeRate = rate
	return nil
}

func copyTransaction(tx ledger.Transaction) ledger.Transaction {
	if tx.Proof.Images != nil {
		tx.Proof.Images = append([]string(nil), tx.Proof.Images...)
	}
	return tx
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn while holding the write lock.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users    map[ledger.UserID]ledger.User
	clients  map[ledger.ClientID]ledger.Client
	txs      map[ledger.TransactionID]ledger.Transaction
	payments []ledger.Payment
	settings ledger.Settings
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		users:    make(map[ledger.UserID]ledger.User, len(tm.users)),
		clients:  make(map[ledger.ClientID]ledger.Client, len(tm.clients)),
		txs:      make(map[ledger.TransactionID]ledger.Transaction, len(tm.txs)),
		payments: append([]ledger.Payment(nil), tm.payments...),
		settings: tm.settings,
	}
	for k, v := range tm.users {
		s.users[k] = v
	}
	for k, v := range tm.clients {
		s.clients[k] = v
	}
	for k, v := range tm.txs {
		s.txs[k] = copyTransaction(v)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.users = s.users
	tm.clients = s.clients
	tm.txs = s.txs
	tm.payments = s.payments
	tm.settings = s.settings
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock is
// already held, so every method goes straight to the locked variants.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	return v.parent.getUserLocked(id)
}

func (v *txMemoryView) ListUsers(context.Context) ([]ledger.User, error) {
	return v.parent.listUsersLocked(), nil
}

func (v *txMemoryView) GetClient(_ context.Context, id ledger.ClientID) (ledger.Client, error) {
	return v.parent.getClientLocked(id)
}

func (v *txMemoryView) ListClients(_ context.Context, owner ledger.UserID) ([]ledger.Client, error) {
	return v.parent.listClientsLocked(owner), nil
}

func (v *txMemoryView) ClientInUse(_ context.Context, id ledger.ClientID) (bool, error) {
	return v.parent.clientInUseLocked(id), nil
}

func (v *txMemoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *txMemoryView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return v.parent.listTransactionsLocked(f), nil
}

func (v *txMemoryView) FindTransactionsWithNames(_ context.Context, f ledger.TransactionFilter) ([]ledger.EnrichedTransaction, error) {
	return v.parent.enrichLocked(v.parent.listTransactionsLocked(f)), nil
}

func (v *txMemoryView) ListPayments(_ context.Context, userID ledger.UserID) ([]ledger.Payment, error) {
	return v.parent.listPaymentsLocked(userID), nil
}

func (v *txMemoryView) GetSettings(context.Context) (ledger.Settings, error) {
	return v.parent.settings, nil
}

func (v *txMemoryView) SaveUser(_ context.Context, u ledger.User) error {
	return v.parent.saveUserLocked(u)
}

func (v *txMemoryView) SaveClient(_ context.Context, c ledger.Client) error {
	return v.parent.saveClientLocked(c)
}

func (v *txMemoryView) DeleteClient(_ context.Context, id ledger.ClientID) error {
	return v.parent.deleteClientLocked(id)
}

func (v *txMemoryView) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.parent.insertTransactionLocked(tx)
}

func (v *txMemoryView) UpdateTransaction(_ context.Context, tx ledger.Transaction, expect ledger.Precondition) error {
	return v.parent.updateTransactionLocked(tx, expect)
}

func (v *txMemoryView) PurgeTransaction(_ context.Context, id ledger.TransactionID) error {
	return v.parent.purgeTransactionLocked(id)
}

func (v *txMemoryView) InsertPayment(_ context.Context, p ledger.Payment) error {
	return v.parent.insertPaymentLocked(p)
}

func (v *txMemoryView) AdjustWallet(_ context.Context, id ledger.UserID, delta decimal.Decimal) error {
	return v.parent.adjustWalletLocked(id, delta)
}

func (v *txMemoryView) AdjustMainBalance(_ context.Context, delta decimal.Decimal) error {
	return v.parent.adjustMainBalanceLocked(delta)
}

func (v *txMemoryView) SetExchangeRate(_ context.Context, rate decimal.Decimal) error {
	return v.parent.setExchangeRateLocked(rate)
}
