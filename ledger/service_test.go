package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.CreateUser(ctx, admin, ledger.CreateUserInput{
		Name:          "  Aminata  ",
		Role:          ledger.RoleUser,
		FeePercentage: decimal.NewFromInt(10),
		DebtThreshold: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("id-1"), u.ID)
	assert.Equal(t, "Aminata", u.Name)
	assert.True(t, u.IsActive)
	assert.Equal(t, ledger.CurrencySource, u.DebtThreshold.Currency)

	_, err = f.svc.CreateUser(ctx, admin, ledger.CreateUserInput{ID: u.ID, Name: "Again", Role: ledger.RoleUser})
	assert.True(t, ledger.IsConflict(err))

	_, err = f.svc.CreateUser(ctx, alice, ledger.CreateUserInput{Name: "x", Role: ledger.RoleUser})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = f.svc.CreateUser(ctx, admin, ledger.CreateUserInput{Name: "x", Role: "root"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.svc.CreateUser(ctx, admin, ledger.CreateUserInput{Name: "x", Role: ledger.RoleUser, FeePercentage: decimal.NewFromInt(101)})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestUpdateUserSettings_FeeChangeNotifies(t *testing.T) {
	// GIVEN: a user at 10% fee with one existing transaction
	// WHEN: admin raises the fee to 12.5%
	// THEN: the user and admins are told, the old transaction keeps its fee

	f := newFixture(t)
	f.addUser(t, alice)
	old := f.send(t, alice, "", 1000)
	f.events.reset()
	ctx := context.Background()

	fee := dec("12.5")
	u, err := f.svc.UpdateUserSettings(ctx, admin, alice.UserID, ledger.UpdateUserSettingsInput{FeePercentage: &fee})
	require.NoError(t, err)
	assert.True(t, u.FeePercentage.Equal(fee))

	toAlice := f.events.to(ledger.ToUser(alice.UserID))
	require.Len(t, toAlice, 1)
	changed, ok := toAlice[0].Payload.(ledger.FeePercentageChanged)
	require.True(t, ok)
	assert.Equal(t, "10", changed.Previous)
	assert.Equal(t, "12.5", changed.Current)
	assert.Len(t, f.events.to(ledger.AdminBroadcast()), 1)

	stored, err := f.mem.GetTransaction(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", stored.FeeAmount.Value.String())

	next := f.send(t, alice, "", 1000)
	assert.Equal(t, "125", next.FeeAmount.Value.String())
}

func TestUpdateUserSettings_NoFeeChangeIsQuiet(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	ctx := context.Background()

	inactive := false
	u, err := f.svc.UpdateUserSettings(ctx, admin, alice.UserID, ledger.UpdateUserSettingsInput{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, u.IsActive)
	assert.Empty(t, f.events.kinds())

	_, err = f.svc.UpdateUserSettings(ctx, admin, alice.UserID, ledger.UpdateUserSettingsInput{})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.svc.UpdateUserSettings(ctx, admin, "ghost", ledger.UpdateUserSettingsInput{IsActive: &inactive})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.UpdateUserSettings(ctx, alice, alice.UserID, ledger.UpdateUserSettingsInput{IsActive: &inactive})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestGetUser_OwnerOrAdmin(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	f.addUser(t, bob)
	ctx := context.Background()

	_, err := f.svc.GetUser(ctx, alice, alice.UserID)
	assert.NoError(t, err)
	_, err = f.svc.GetUser(ctx, admin, bob.UserID)
	assert.NoError(t, err)
	_, err = f.svc.GetUser(ctx, alice, bob.UserID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

// =============================================================================
// CLIENTS
// =============================================================================

func TestCreateClient_Rules(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	ctx := context.Background()

	c, err := f.svc.CreateClient(ctx, alice, ledger.CreateClientInput{Name: "Mamadou"})
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, c.UserID)
	assert.False(t, c.BalanceExempt)

	_, err = f.svc.CreateClient(ctx, alice, ledger.CreateClientInput{Name: "Agency", BalanceExempt: true})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized, "only administrators mark exemption")

	_, err = f.svc.CreateClient(ctx, alice, ledger.CreateClientInput{Name: "x", OwnerID: "bob"})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	exempt, err := f.svc.CreateClient(ctx, admin, ledger.CreateClientInput{Name: "Agency", OwnerID: alice.UserID, BalanceExempt: true})
	require.NoError(t, err)
	assert.True(t, exempt.BalanceExempt)

	_, err = f.svc.CreateClient(ctx, admin, ledger.CreateClientInput{Name: "x", OwnerID: "ghost"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.CreateClient(ctx, alice, ledger.CreateClientInput{Name: " "})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	mine, _, err := f.svc.ListClients(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestDeleteClient_RefusedWhileReferenced(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	f.addUser(t, bob)
	f.addClient(t, "used", alice.UserID, false)
	f.addClient(t, "unused", alice.UserID, false)
	f.send(t, alice, "used", 1000)
	ctx := context.Background()

	err := f.svc.DeleteClient(ctx, alice, "used")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	err = f.svc.DeleteClient(ctx, bob, "unused")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	require.NoError(t, f.svc.DeleteClient(ctx, alice, "unused"))
	_, err = f.mem.GetClient(ctx, "unused")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestUpdateExchangeRate(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	old := f.send(t, alice, "", 1000)
	f.events.reset()
	ctx := context.Background()

	settings, err := f.svc.UpdateExchangeRate(ctx, admin, dec("21.5"))
	require.NoError(t, err)
	assert.Equal(t, "21.5", settings.ExchangeRate.String())
	assert.Equal(t, []ledger.EventKind{ledger.EventSettingsUpdated}, f.events.kinds())

	stored, err := f.mem.GetTransaction(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "20", stored.ExchangeRate.String(), "existing rows keep their rate")

	next := f.send(t, alice, "", 1000)
	assert.Equal(t, "21500", next.AmountSettlement.Value.String())

	_, err = f.svc.UpdateExchangeRate(ctx, admin, decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.svc.UpdateExchangeRate(ctx, alice, rate20)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

// =============================================================================
// CACHED VIEWS
// =============================================================================

func TestListAllTransactions_CachedUntilMutation(t *testing.T) {
	// GIVEN: an admin listing served once from the store
	// WHEN: the same listing is read again, then a transaction is created
	// THEN: the second read is cached, the read after the mutation is fresh

	f := newFixture(t)
	f.addUser(t, alice)
	f.send(t, alice, "", 1000)
	ctx := context.Background()

	rows, cached, err := f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, rows, 1)

	_, cached, err = f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	assert.True(t, cached)

	f.send(t, alice, "", 2000)

	rows, cached, err = f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	assert.False(t, cached, "mutation invalidates before returning")
	assert.Len(t, rows, 2)

	_, _, err = f.svc.ListAllTransactions(ctx, alice)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestListAllTransactions_CallerCopyIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	tx := f.send(t, alice, "", 1000)
	ctx := context.Background()

	rows, _, err := f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	rows[0].Status = ledger.StatusCancelled
	rows[0].UserName = "someone else"

	again, cached, err := f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, tx.ID, again[0].ID)
	assert.Equal(t, ledger.StatusPending, again[0].Status)
	assert.NotEqual(t, "someone else", again[0].UserName)
}

func TestListAllTransactions_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, cached, err := f.svc.ListAllTransactions(ctx, admin)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestListUsers_ReflectsPaymentImmediately(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	f.send(t, alice, "", 1000)
	ctx := context.Background()

	rows, _, err := f.svc.ListUsers(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, "1100", debtOf(rows, alice.UserID))

	_, err = f.svc.RecordPayment(ctx, admin, ledger.RecordPaymentInput{UserID: alice.UserID, Amount: decimal.NewFromInt(600)})
	require.NoError(t, err)

	rows, cached, err := f.svc.ListUsers(ctx, admin)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "500", debtOf(rows, alice.UserID))
}

func TestPendingTransactions_ExcludesRequestedCancellations(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	keep := f.send(t, alice, "", 1000)
	flagged := f.send(t, alice, "", 1000)
	done := f.send(t, alice, "", 1000)
	ctx := context.Background()

	f.setStatus(t, admin, flagged.ID, ledger.StatusSeen)
	_, err := f.svc.DeleteTransaction(ctx, alice, flagged.ID, ledger.DeleteOptions{})
	require.NoError(t, err)
	f.setStatus(t, admin, done.ID, ledger.StatusCancelled)

	rows, _, err := f.svc.PendingTransactions(ctx, admin)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, keep.ID, rows[0].ID)
}

func TestListMyTransactions_OwnRowsOnly(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, alice)
	f.addUser(t, bob)
	mine := f.send(t, alice, "", 1000)
	f.send(t, bob, "", 1000)
	ctx := context.Background()

	rows, err := f.svc.ListMyTransactions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, mine.ID, rows[0].ID)

	rows, err = f.svc.ListMyTransactions(ctx, alice, ledger.StatusSeen)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.svc.GetTransaction(ctx, bob, mine.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func debtOf(rows []ledger.UserOverview, id ledger.UserID) string {
	for _, r := range rows {
		if r.ID == id {
			return r.Debt.CurrentDebt.Value.String()
		}
	}
	return ""
}
