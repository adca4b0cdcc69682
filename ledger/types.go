/*
Package ledger provides the transaction ledger core of the remittance engine.

PURPOSE:
  This package holds the domain types and algorithms for tracking money
  transfers sent by users on behalf of clients. It maintains wallet balances
  and debt ceilings in two currencies, drives transactions through the
  approval/cancellation lifecycle and emits events describing every change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal quantity tagged with its currency (FCFA or GNF)
  - User/Client/Transaction/Payment/Settings: Persisted entities
  - Principal: The authenticated (userId, role) pair attached by the session gate
  - EnrichedTransaction: A transaction joined with display names for dashboards

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every currency amount, never float64
  2. Frozen amounts: A transaction's rate, fee and amounts are fixed at creation
  3. Type Safety: Distinct ID types prevent mixing users, clients and transactions
  4. Single authority: Balances are read from the store, never from caches

USAGE:
  src := ledger.FCFA(50000)
  settlement := src.Convert(decimal.NewFromInt(20), ledger.CurrencySettlement)
  // settlement == 1,000,000 GNF

SEE ALSO:
  - accounting.go: Debt computation and transaction creation
  - lifecycle.go: Status transitions and deletion authority
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal quantity with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	// CurrencySource is the currency users send in (FCFA).
	CurrencySource Currency = "FCFA"
	// CurrencySettlement is the currency wallets and the main balance are held in (GNF).
	CurrencySettlement Currency = "GNF"
)

func NewMoney(value decimal.Decimal, currency Currency) Money {
	return Money{Value: value, Currency: currency}
}

func FCFA(value int64) Money { return Money{Value: decimal.NewFromInt(value), Currency: CurrencySource} }
func GNF(value int64) Money  { return Money{Value: decimal.NewFromInt(value), Currency: CurrencySettlement} }

// ParseMoney parses a decimal string. Binary floats are never accepted.
func ParseMoney(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

// MustParseDecimal panics on malformed input. Use it for literals only.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (m Money) Zero() Money                  { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money            { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money            { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money  { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Neg() Money                   { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsPositive() bool             { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool     { return m.Value.GreaterThan(o.Value) }
func (m Money) GreaterOrEqual(o Money) bool  { return m.Value.GreaterThanOrEqual(o.Value) }
func (m Money) LessThan(o Money) bool        { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool           { return m.Value.Equal(o.Value) && m.Currency == o.Currency }
func (m Money) String() string               { return m.Value.String() + " " + string(m.Currency) }

// Convert multiplies by an exchange rate and retags the currency.
func (m Money) Convert(rate decimal.Decimal, to Currency) Money {
	return Money{Value: m.Value.Mul(rate), Currency: to}
}

// Display rounds for presentation only. Persisted values are never rounded.
func (m Money) Display() string {
	return m.Value.StringFixedBank(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ClientID string
type TransactionID string
type PaymentID string

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleUser }

// Principal is the authenticated caller. The core trusts it as given.
type Principal struct {
	UserID UserID
	Role   Role
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// =============================================================================
// ENTITIES
// =============================================================================

type User struct {
	ID            UserID
	Name          string
	Phone         string
	Role          Role
	WalletBalance Money           // GNF
	FeePercentage decimal.Decimal // e.g. 10 for 10%
	DebtThreshold Money           // FCFA
	IsActive      bool
	CreatedAt     time.Time
}

type Client struct {
	ID     ClientID
	UserID UserID
	Name   string
	Phone  string
	// BalanceExempt marks a zero-impact counterparty: its transactions never
	// touch the administrator's main balance.
	BalanceExempt bool
	CreatedAt     time.Time
}

type Status string

const (
	StatusPending        Status = "pending"
	StatusSeen           Status = "seen"
	StatusProofSubmitted Status = "proof_submitted"
	StatusValidated      Status = "validated"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSeen, StatusProofSubmitted, StatusValidated, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool { return s == StatusValidated || s == StatusCancelled }

type Proof struct {
	Images      []string `json:"images,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

func (p Proof) IsEmpty() bool { return len(p.Images) == 0 && p.ExternalRef == "" }

type Transaction struct {
	ID          TransactionID
	UserID      UserID
	ClientID    ClientID // empty when no client is linked
	PhoneNumber string

	// Frozen at creation.
	AmountSource     Money // FCFA
	AmountSettlement Money // GNF, AmountSource x ExchangeRate
	FeeAmount        Money // FCFA
	AmountToPay      Money // FCFA, AmountSource + FeeAmount
	FeePercentage    decimal.Decimal
	ExchangeRate     decimal.Decimal
	// BalanceExempt records whether the counterparty was zero-impact at creation,
	// so later changes to the client flag cannot unbalance a restore.
	BalanceExempt bool

	Status Status

	IsDeleted bool
	DeletedAt *time.Time
	DeletedBy UserID

	CancellationRequested   bool
	CancellationRequestedAt *time.Time
	CancellationReason      string

	Proof     Proof
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Payment struct {
	ID          PaymentID
	UserID      UserID
	Amount      Money // FCFA
	ValidatedBy UserID
	CreatedAt   time.Time
}

// Settings is the singleton system configuration row.
type Settings struct {
	ExchangeRate decimal.Decimal // FCFA -> GNF
	MainBalance  Money           // GNF
	UpdatedAt    time.Time
}

type PushSubscription struct {
	ID        string
	AdminID   UserID
	Endpoint  string
	CreatedAt time.Time
}

// =============================================================================
// VIEWS
// =============================================================================

// OccasionalCounterparty is the display name used when a transaction has no
// resolvable client.
const OccasionalCounterparty = "Occasional client"

type EnrichedTransaction struct {
	Transaction
	UserName   string
	ClientName string
}

type DebtStatus struct {
	UserID          UserID
	CanSend         bool
	CurrentDebt     Money
	Threshold       Money
	RemainingCredit Money
}
