/*
store.go - Persistence interface for users, clients, transactions and payments

PURPOSE:
  Defines the boundary between the ledger core and the row store. The store
  is the single source of truth: balances, statuses and flags live there and
  nowhere else.

KEY INTERFACES:
  Reader:  Point lookups, filtered listings and the enrichment join
  Writer:  Row inserts/updates, balance deltas, conditional transaction updates
  Store:   Reader + Writer
  TxStore: Store + WithTx for atomic multi-row units

ATOMIC UNITS:
  CreateTransaction writes the transaction row, debits the wallet and debits
  the main balance. WithTx() guarantees all three commit or none do.

ROW-LEVEL ATOMICITY:
  UpdateTransaction takes a Precondition describing the row as the caller
  last saw it. If the row no longer matches, the store returns ErrStaleWrite
  and writes nothing, so two concurrent transitions cannot both succeed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for tests

SEE ALSO:
  - service.go: Uses TxStore for every mutation
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

type TransactionFilter struct {
	UserID         UserID
	Statuses       []Status
	IncludeDeleted bool
	// ExcludeCancellationRequested drops rows flagged by their owner.
	ExcludeCancellationRequested bool
	Limit                        int
}

// Matches reports whether tx passes the filter. Stores without a query
// language use it directly.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if !f.IncludeDeleted && tx.IsDeleted {
		return false
	}
	if f.ExcludeCancellationRequested && tx.CancellationRequested {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if tx.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Precondition is the expected state of a transaction row at update time.
type Precondition struct {
	Status                Status
	IsDeleted             bool
	CancellationRequested bool
}

func PreconditionOf(tx Transaction) Precondition {
	return Precondition{
		Status:                tx.Status,
		IsDeleted:             tx.IsDeleted,
		CancellationRequested: tx.CancellationRequested,
	}
}

// =============================================================================
// STORE
// =============================================================================

type Reader interface {
	// GetUser returns a *NotFoundError when the user does not exist.
	GetUser(ctx context.Context, id UserID) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	GetClient(ctx context.Context, id ClientID) (Client, error)
	// ListClients returns clients owned by owner, or every client when owner is empty.
	ListClients(ctx context.Context, owner UserID) ([]Client, error)
	ClientInUse(ctx context.Context, id ClientID) (bool, error)

	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	// FindTransactionsWithNames joins transactions with user and client names.
	// Unresolvable clients yield OccasionalCounterparty, never an error.
	FindTransactionsWithNames(ctx context.Context, filter TransactionFilter) ([]EnrichedTransaction, error)

	ListPayments(ctx context.Context, userID UserID) ([]Payment, error)

	GetSettings(ctx context.Context) (Settings, error)
}

type Writer interface {
	SaveUser(ctx context.Context, u User) error
	SaveClient(ctx context.Context, c Client) error
	DeleteClient(ctx context.Context, id ClientID) error

	InsertTransaction(ctx context.Context, tx Transaction) error
	// UpdateTransaction overwrites the mutable columns of tx when the stored row
	// still matches expect. Returns ErrStaleWrite otherwise.
	UpdateTransaction(ctx context.Context, tx Transaction, expect Precondition) error
	// PurgeTransaction removes a soft-deleted row permanently.
	PurgeTransaction(ctx context.Context, id TransactionID) error

	InsertPayment(ctx context.Context, p Payment) error

	// AdjustWallet adds delta (GNF, may be negative) to a user's wallet.
	AdjustWallet(ctx context.Context, id UserID, delta decimal.Decimal) error
	// AdjustMainBalance adds delta (GNF, may be negative) to the main balance.
	AdjustMainBalance(ctx context.Context, delta decimal.Decimal) error
	SetExchangeRate(ctx context.Context, rate decimal.Decimal) error
}

type Store interface {
	Reader
	Writer
}

// TxStore wraps Store with transaction support.
// If fn returns an error the unit is rolled back and nothing is visible.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
