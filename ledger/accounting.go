/*
accounting.go - Balance and debt accounting

PURPOSE:
  Currency conversion, fee computation, wallet debits/credits, debt ceiling
  enforcement and administrator balance adjustment.

DEBT FORMULA:
  outstandingDebt(user) =
      Σ amountToPay of the user's transactions that are neither deleted
        nor cancellation-requested
    − Σ the user's payments

  Always computed from the store at decision time, never from the
  aggregation cache. The result may be negative when payments exceed debt.

CREATE TRANSACTION:
  1. sourceAmount > 0
  2. currentDebt < debtThreshold           (else DebtExceededError)
  3. settlement = source × exchangeRate
  4. settlement <= walletBalance           (else InsufficientFundsError)
  5. fee = source × fee% / 100, amountToPay = source + fee
  6. insert pending transaction, debit wallet, debit main balance unless
     the counterparty is balance-exempt. Steps in 6 commit as one unit.

EXAMPLE:
  rate 20, fee 10%, source 50,000 FCFA, wallet 2,000,000 GNF
    settlement  = 1,000,000 GNF (debited from wallet and main balance)
    fee         =     5,000 FCFA
    amountToPay =    55,000 FCFA

SEE ALSO:
  - lifecycle.go: Deletion restores the main balance
  - service.go: Cache invalidation and notification after commit
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// PURE CALCULATIONS
// =============================================================================

// Quote holds the frozen amounts of a transaction about to be created.
type Quote struct {
	Source        Money
	Settlement    Money
	Fee           Money
	AmountToPay   Money
	ExchangeRate  decimal.Decimal
	FeePercentage decimal.Decimal
}

func NewQuote(source Money, rate, feePercentage decimal.Decimal) Quote {
	fee := source.Mul(feePercentage).Value.Div(hundred)
	feeMoney := Money{Value: fee, Currency: CurrencySource}
	return Quote{
		Source:        source,
		Settlement:    source.Convert(rate, CurrencySettlement),
		Fee:           feeMoney,
		AmountToPay:   source.Add(feeMoney),
		ExchangeRate:  rate,
		FeePercentage: feePercentage,
	}
}

// ComputeDebt applies the debt formula to a user's rows.
func ComputeDebt(txs []Transaction, payments []Payment) Money {
	debt := FCFA(0)
	for _, tx := range txs {
		if tx.IsDeleted || tx.CancellationRequested {
			continue
		}
		debt = debt.Add(tx.AmountToPay)
	}
	for _, p := range payments {
		debt = debt.Sub(p.Amount)
	}
	return debt
}

// NewDebtStatus summarizes how much more a user may send.
func NewDebtStatus(u User, debt Money) DebtStatus {
	remaining := u.DebtThreshold.Sub(debt)
	if remaining.IsNegative() {
		remaining = remaining.Zero()
	}
	return DebtStatus{
		UserID:          u.ID,
		CanSend:         debt.LessThan(u.DebtThreshold),
		CurrentDebt:     debt,
		Threshold:       u.DebtThreshold,
		RemainingCredit: remaining,
	}
}

// OutstandingDebt recomputes a user's debt from scratch.
func OutstandingDebt(ctx context.Context, r Reader, userID UserID) (Money, error) {
	txs, err := r.ListTransactions(ctx, TransactionFilter{
		UserID:                       userID,
		ExcludeCancellationRequested: true,
	})
	if err != nil {
		return Money{}, err
	}
	payments, err := r.ListPayments(ctx, userID)
	if err != nil {
		return Money{}, err
	}
	return ComputeDebt(txs, payments), nil
}

// =============================================================================
// CREATE TRANSACTION
// =============================================================================

type CreateTransactionInput struct {
	ClientID     ClientID
	PhoneNumber  string
	SourceAmount decimal.Decimal
}

func (in CreateTransactionInput) validate() error {
	if !in.SourceAmount.IsPositive() {
		return invalid("source_amount", "must be greater than zero")
	}
	if strings.TrimSpace(in.PhoneNumber) == "" {
		return invalid("phone_number", "is required")
	}
	return nil
}

// CreateTransaction debits the caller's wallet and records a pending transaction.
func (s *Service) CreateTransaction(ctx context.Context, p Principal, in CreateTransactionInput) (Transaction, error) {
	if err := in.validate(); err != nil {
		return Transaction{}, err
	}

	var created Transaction
	err := s.store.WithTx(ctx, func(st Store) error {
		user, err := st.GetUser(ctx, p.UserID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return forbidden("create transaction", "account is inactive")
		}

		exempt := false
		if in.ClientID != "" {
			client, err := st.GetClient(ctx, in.ClientID)
			if err != nil {
				return err
			}
			if client.UserID != user.ID && !p.IsAdmin() {
				return forbidden("create transaction", "client belongs to another user")
			}
			exempt = client.BalanceExempt
		}

		debt, err := OutstandingDebt(ctx, st, user.ID)
		if err != nil {
			return err
		}
		if debt.GreaterOrEqual(user.DebtThreshold) {
			return &DebtExceededError{UserID: user.ID, CurrentDebt: debt, Threshold: user.DebtThreshold}
		}

		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !settings.ExchangeRate.IsPositive() {
			return invalid("exchange_rate", "is not configured")
		}
		q := NewQuote(NewMoney(in.SourceAmount, CurrencySource), settings.ExchangeRate, user.FeePercentage)
		if q.Settlement.GreaterThan(user.WalletBalance) {
			return &InsufficientFundsError{
				Account:   "wallet",
				Available: user.WalletBalance,
				Requested: q.Settlement,
				Shortfall: q.Settlement.Sub(user.WalletBalance),
			}
		}

		now := s.now()
		created = Transaction{
			ID:               TransactionID(s.newID()),
			UserID:           user.ID,
			ClientID:         in.ClientID,
			PhoneNumber:      strings.TrimSpace(in.PhoneNumber),
			AmountSource:     q.Source,
			AmountSettlement: q.Settlement,
			FeeAmount:        q.Fee,
			AmountToPay:      q.AmountToPay,
			FeePercentage:    q.FeePercentage,
			ExchangeRate:     q.ExchangeRate,
			BalanceExempt:    exempt,
			Status:           StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := st.InsertTransaction(ctx, created); err != nil {
			return err
		}
		if err := st.AdjustWallet(ctx, user.ID, q.Settlement.Value.Neg()); err != nil {
			return err
		}
		if !exempt {
			if err := st.AdjustMainBalance(ctx, q.Settlement.Value.Neg()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Transaction{}, internal("create transaction", err)
	}

	s.logger.Info("transaction created",
		zap.String("transaction_id", string(created.ID)),
		zap.String("user_id", string(created.UserID)),
		zap.String("amount_source", created.AmountSource.Value.String()),
		zap.Bool("balance_exempt", created.BalanceExempt))

	s.invalidate(ViewTransactions, ViewUsers, ViewSettings)
	s.publish(ctx, NewEvent(TransactionCreated{Transaction: TransactionPayloadOf(created)}, s.now()),
		AdminBroadcast(), ToUser(created.UserID))
	return created, nil
}

// =============================================================================
// ADJUST BALANCE
// =============================================================================

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type AdjustBalanceInput struct {
	Direction    Direction
	UserID       UserID // optional
	SourceAmount decimal.Decimal
}

// AdjustBalance converts a source amount at the current rate and applies it to
// the main balance, and to the user's wallet when a user is named.
func (s *Service) AdjustBalance(ctx context.Context, p Principal, in AdjustBalanceInput) (Settings, error) {
	if !p.IsAdmin() {
		return Settings{}, forbidden("adjust balance", "administrator only")
	}
	if in.Direction != DirectionCredit && in.Direction != DirectionDebit {
		return Settings{}, invalid("direction", "must be credit or debit")
	}
	if !in.SourceAmount.IsPositive() {
		return Settings{}, invalid("source_amount", "must be greater than zero")
	}

	var (
		after    Settings
		amount   Money
		walletTo Money
	)
	err := s.store.WithTx(ctx, func(st Store) error {
		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !settings.ExchangeRate.IsPositive() {
			return invalid("exchange_rate", "is not configured")
		}
		amount = NewMoney(in.SourceAmount, CurrencySource).Convert(settings.ExchangeRate, CurrencySettlement)

		var user User
		if in.UserID != "" {
			if user, err = st.GetUser(ctx, in.UserID); err != nil {
				return err
			}
		}

		delta := amount.Value
		if in.Direction == DirectionDebit {
			if settings.MainBalance.LessThan(amount) {
				return &InsufficientFundsError{
					Account:   "main_balance",
					Available: settings.MainBalance,
					Requested: amount,
					Shortfall: amount.Sub(settings.MainBalance),
				}
			}
			if in.UserID != "" && user.WalletBalance.LessThan(amount) {
				return &InsufficientFundsError{
					Account:   "wallet",
					Available: user.WalletBalance,
					Requested: amount,
					Shortfall: amount.Sub(user.WalletBalance),
				}
			}
			delta = delta.Neg()
		}

		if err := st.AdjustMainBalance(ctx, delta); err != nil {
			return err
		}
		if in.UserID != "" {
			if err := st.AdjustWallet(ctx, in.UserID, delta); err != nil {
				return err
			}
			walletTo = user.WalletBalance.Add(NewMoney(delta, CurrencySettlement))
		}
		after, err = st.GetSettings(ctx)
		return err
	})
	if err != nil {
		return Settings{}, internal("adjust balance", err)
	}

	s.logger.Info("balance adjusted",
		zap.String("direction", string(in.Direction)),
		zap.String("user_id", string(in.UserID)),
		zap.String("amount", amount.Value.String()),
		zap.String("main_balance", after.MainBalance.Value.String()))

	s.invalidate(ViewSettings, ViewUsers)
	payload := BalanceAdjusted{
		Direction:        string(in.Direction),
		UserID:           string(in.UserID),
		SourceAmount:     in.SourceAmount.String(),
		SettlementAmount: amount.Value.String(),
		MainBalance:      after.MainBalance.Value.String(),
	}
	targets := []Target{AdminBroadcast()}
	if in.UserID != "" {
		payload.WalletBalance = walletTo.Value.String()
		targets = append(targets, ToUser(in.UserID))
	}
	s.publish(ctx, NewEvent(payload, s.now()), targets...)
	return after, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type RecordPaymentInput struct {
	UserID UserID
	Amount decimal.Decimal
}

// RecordPayment inserts a payment row. No transaction is touched; the debt
// formula picks the payment up on the next read.
func (s *Service) RecordPayment(ctx context.Context, p Principal, in RecordPaymentInput) (Payment, error) {
	if !p.IsAdmin() {
		return Payment{}, forbidden("record payment", "administrator only")
	}
	if in.UserID == "" {
		return Payment{}, invalid("user_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return Payment{}, invalid("amount", "must be greater than zero")
	}

	var (
		payment Payment
		debt    Money
	)
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetUser(ctx, in.UserID); err != nil {
			return err
		}
		payment = Payment{
			ID:          PaymentID(s.newID()),
			UserID:      in.UserID,
			Amount:      NewMoney(in.Amount, CurrencySource),
			ValidatedBy: p.UserID,
			CreatedAt:   s.now(),
		}
		if err := st.InsertPayment(ctx, payment); err != nil {
			return err
		}
		var err error
		debt, err = OutstandingDebt(ctx, st, in.UserID)
		return err
	})
	if err != nil {
		return Payment{}, internal("record payment", err)
	}

	s.logger.Info("payment recorded",
		zap.String("payment_id", string(payment.ID)),
		zap.String("user_id", string(payment.UserID)),
		zap.String("amount", payment.Amount.Value.String()))

	s.invalidate(ViewUsers)
	s.publish(ctx, NewEvent(PaymentRecorded{
		PaymentID:   string(payment.ID),
		UserID:      string(payment.UserID),
		Amount:      payment.Amount.Value.String(),
		CurrentDebt: debt.Value.String(),
	}, s.now()), AdminBroadcast(), ToUser(payment.UserID))
	return payment, nil
}

func (s *Service) ListPayments(ctx context.Context, p Principal, userID UserID) ([]Payment, error) {
	if !p.IsAdmin() && p.UserID != userID {
		return nil, forbidden("list payments", "not the account owner")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, internal("list payments", err)
	}
	payments, err := s.store.ListPayments(ctx, userID)
	return payments, internal("list payments", err)
}

// =============================================================================
// DEBT STATUS
// =============================================================================

func (s *Service) UserDebtStatus(ctx context.Context, p Principal, userID UserID) (DebtStatus, error) {
	if !p.IsAdmin() && p.UserID != userID {
		return DebtStatus{}, forbidden("read debt status", "not the account owner")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return DebtStatus{}, internal("read debt status", err)
	}
	debt, err := OutstandingDebt(ctx, s.store, userID)
	if err != nil {
		return DebtStatus{}, internal("read debt status", err)
	}
	return NewDebtStatus(user, debt), nil
}

// frozenAt returns a pointer to a copy of t for optional timestamp columns.
func frozenAt(t time.Time) *time.Time { return &t }
