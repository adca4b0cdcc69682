package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/cache"
	"github.com/warp/remit-engine/ledger"
	"github.com/warp/remit-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin  = ledger.Principal{UserID: "admin-1", Role: ledger.RoleAdmin}
	alice  = ledger.Principal{UserID: "alice", Role: ledger.RoleUser}
	bob    = ledger.Principal{UserID: "bob", Role: ledger.RoleUser}
	epoch  = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	rate20 = decimal.NewFromInt(20)
)

type delivery struct {
	Target ledger.Target
	Event  ledger.Event
}

// recorder is a Notifier that keeps everything it is given.
type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) Notify(_ context.Context, target ledger.Target, ev ledger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{Target: target, Event: ev})
}

func (r *recorder) kinds() []ledger.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventKind, 0, len(r.got))
	for _, d := range r.got {
		out = append(out, d.Event.Kind)
	}
	return out
}

func (r *recorder) to(target ledger.Target) []ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledger.Event
	for _, d := range r.got {
		if d.Target == target {
			out = append(out, d.Event)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *ledger.Service
	mem    *store.TxMemory
	views  *cache.Cache
	events *recorder
	clock  *clock
}

// newFixture builds a service over an in-memory store with rate 20, a main
// balance of 1,000,000 GNF and an administrator row.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:    store.NewTxMemory(),
		events: &recorder{},
		clock:  &clock{now: epoch},
	}
	f.views = cache.New(time.Minute, cache.WithClock(f.clock.Now))
	var seq int
	var seqMu sync.Mutex
	f.svc = ledger.NewService(f.mem,
		ledger.WithCache(f.views),
		ledger.WithNotifier(f.events),
		ledger.WithClock(f.clock.Now),
		ledger.WithIDs(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)

	ctx := context.Background()
	require.NoError(t, f.mem.SetExchangeRate(ctx, rate20))
	require.NoError(t, f.mem.AdjustMainBalance(ctx, decimal.NewFromInt(1_000_000)))
	require.NoError(t, f.mem.SaveUser(ctx, ledger.User{
		ID: admin.UserID, Name: "Admin", Role: ledger.RoleAdmin,
		WalletBalance: ledger.GNF(0), DebtThreshold: ledger.FCFA(0), IsActive: true, CreatedAt: epoch,
	}))
	return f
}

// addUser saves an active user with a 10% fee, a 100,000 FCFA threshold and
// a 1,000,000 GNF wallet.
func (f *fixture) addUser(t *testing.T, p ledger.Principal) ledger.User {
	t.Helper()
	u := ledger.User{
		ID:            p.UserID,
		Name:          string(p.UserID),
		Role:          p.Role,
		WalletBalance: ledger.GNF(1_000_000),
		FeePercentage: decimal.NewFromInt(10),
		DebtThreshold: ledger.FCFA(100_000),
		IsActive:      true,
		CreatedAt:     epoch,
	}
	require.NoError(t, f.mem.SaveUser(context.Background(), u))
	return u
}

func (f *fixture) addClient(t *testing.T, id ledger.ClientID, owner ledger.UserID, exempt bool) ledger.Client {
	t.Helper()
	c := ledger.Client{ID: id, UserID: owner, Name: "Client " + string(id), BalanceExempt: exempt, CreatedAt: epoch}
	require.NoError(t, f.mem.SaveClient(context.Background(), c))
	return c
}

func (f *fixture) send(t *testing.T, p ledger.Principal, client ledger.ClientID, amount int64) ledger.Transaction {
	t.Helper()
	tx, err := f.svc.CreateTransaction(context.Background(), p, ledger.CreateTransactionInput{
		ClientID:     client,
		PhoneNumber:  "+224620000000",
		SourceAmount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) setStatus(t *testing.T, p ledger.Principal, id ledger.TransactionID, to ledger.Status) ledger.Transaction {
	t.Helper()
	tx, err := f.svc.UpdateTransactionStatus(context.Background(), p, id, ledger.UpdateTransactionInput{Status: &to})
	require.NoError(t, err)
	return tx
}

func (f *fixture) submitRef(t *testing.T, p ledger.Principal, id ledger.TransactionID, ref string) ledger.Transaction {
	t.Helper()
	tx, err := f.svc.UpdateTransactionStatus(context.Background(), p, id, ledger.UpdateTransactionInput{
		Proof: &ledger.ProofSubmission{ExternalRef: ref},
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) mainBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	s, err := f.mem.GetSettings(context.Background())
	require.NoError(t, err)
	return s.MainBalance.Value
}

func (f *fixture) wallet(t *testing.T, id ledger.UserID) decimal.Decimal {
	t.Helper()
	u, err := f.mem.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.WalletBalance.Value
}

func dec(s string) decimal.Decimal { return ledger.MustParseDecimal(s) }
