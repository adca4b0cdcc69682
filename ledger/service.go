/*
service.go - Ledger service orchestration

PURPOSE:
  Service is the single entry point for every ledger operation. Each
  mutation follows the same pipeline:

    authorize -> validate -> atomic store unit -> invalidate views -> notify

  Invalidation happens synchronously before the operation returns, so the
  caller's next read is fresh. Notification is best effort and never fails
  the operation.

VIEW KEYS:
  Cached admin views are keyed by logical query name. Invalidation matches by
  prefix, so ViewTransactions drops both the pending and the full listing.

SEE ALSO:
  - accounting.go: Create transaction, balance adjustment, payments
  - lifecycle.go: Status updates and deletion
  - cache/cache.go: The aggregation cache itself
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/cache"
)

const (
	ViewTransactions        = "transactions"
	ViewPendingTransactions = "transactions:pending"
	ViewAllTransactions     = "transactions:all"
	ViewUsers               = "users"
	ViewClients             = "clients"
	ViewSettings            = "settings"
)

// Notifier delivers an event to a target. Implementations must not block on
// slow receivers and never report delivery failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, target Target, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Target, Event) {}

// Policy groups the tunable business limits.
type Policy struct {
	Proof      ProofPolicy
	Candidates CandidatePolicy
}

func DefaultPolicy() Policy {
	return Policy{Proof: DefaultProofPolicy(), Candidates: DefaultCandidatePolicy()}
}

type Service struct {
	store    TxStore
	views    *cache.Cache
	notifier Notifier
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithCache(c *cache.Cache) Option       { return func(s *Service) { s.views = c } }
func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDs(next func() string) Option     { return func(s *Service) { s.newID = next } }
func WithPolicy(p Policy) Option            { return func(s *Service) { s.policy = p } }

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		policy:   DefaultPolicy(),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

// Now exposes the service clock to collaborators such as the sweeper.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) invalidate(keys ...string) {
	s.views.Invalidate(keys...)
}

// ResetViews drops every cached view. Used after the backing store is
// rewritten underneath the service, as the demo seed does.
func (s *Service) ResetViews() {
	s.views.Invalidate()
}

func (s *Service) publish(ctx context.Context, ev Event, targets ...Target) {
	for _, t := range targets {
		s.notifier.Notify(ctx, t, ev)
	}
}

// Broadcast sends ev to every connected administrator.
func (s *Service) Broadcast(ctx context.Context, ev Event) {
	s.publish(ctx, ev, AdminBroadcast())
}

func requireAdmin(p Principal, action string) error {
	if !p.IsAdmin() {
		return forbidden(action, "administrator only")
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

type CreateUserInput struct {
	ID            UserID // optional, generated when empty
	Name          string
	Phone         string
	Role          Role
	WalletBalance decimal.Decimal // GNF
	FeePercentage decimal.Decimal
	DebtThreshold decimal.Decimal // FCFA
}

func (in CreateUserInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "is required")
	}
	if !in.Role.Valid() {
		return invalid("role", "must be admin or user")
	}
	if in.WalletBalance.IsNegative() {
		return invalid("wallet_balance", "must not be negative")
	}
	if err := validateFee(in.FeePercentage); err != nil {
		return err
	}
	if in.DebtThreshold.IsNegative() {
		return invalid("debt_threshold", "must not be negative")
	}
	return nil
}

func validateFee(fee decimal.Decimal) error {
	if fee.IsNegative() || fee.GreaterThan(hundred) {
		return invalid("fee_percentage", "must be between 0 and 100")
	}
	return nil
}

func (s *Service) CreateUser(ctx context.Context, p Principal, in CreateUserInput) (User, error) {
	if err := requireAdmin(p, "create user"); err != nil {
		return User{}, err
	}
	if err := in.validate(); err != nil {
		return User{}, err
	}
	u := User{
		ID:            in.ID,
		Name:          strings.TrimSpace(in.Name),
		Phone:         strings.TrimSpace(in.Phone),
		Role:          in.Role,
		WalletBalance: NewMoney(in.WalletBalance, CurrencySettlement),
		FeePercentage: in.FeePercentage,
		DebtThreshold: NewMoney(in.DebtThreshold, CurrencySource),
		IsActive:      true,
		CreatedAt:     s.now(),
	}
	if u.ID == "" {
		u.ID = UserID(s.newID())
	}
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetUser(ctx, u.ID); err == nil {
			return &ConflictError{Kind: "user", ID: string(u.ID), Reason: "already exists"}
		} else if !IsNotFound(err) {
			return err
		}
		return st.SaveUser(ctx, u)
	})
	if err != nil {
		return User{}, internal("create user", err)
	}
	s.logger.Info("user created", zap.String("user_id", string(u.ID)), zap.String("role", string(u.Role)))
	s.invalidate(ViewUsers)
	return u, nil
}

type UpdateUserSettingsInput struct {
	FeePercentage *decimal.Decimal
	DebtThreshold *decimal.Decimal
	IsActive      *bool
}

func (s *Service) UpdateUserSettings(ctx context.Context, p Principal, id UserID, in UpdateUserSettingsInput) (User, error) {
	if err := requireAdmin(p, "update user settings"); err != nil {
		return User{}, err
	}
	if in.FeePercentage == nil && in.DebtThreshold == nil && in.IsActive == nil {
		return User{}, invalid("", "nothing to update")
	}
	if in.FeePercentage != nil {
		if err := validateFee(*in.FeePercentage); err != nil {
			return User{}, err
		}
	}
	if in.DebtThreshold != nil && in.DebtThreshold.IsNegative() {
		return User{}, invalid("debt_threshold", "must not be negative")
	}

	var before, after User
	err := s.store.WithTx(ctx, func(st Store) error {
		u, err := st.GetUser(ctx, id)
		if err != nil {
			return err
		}
		before, after = u, u
		if in.FeePercentage != nil {
			after.FeePercentage = *in.FeePercentage
		}
		if in.DebtThreshold != nil {
			after.DebtThreshold = NewMoney(*in.DebtThreshold, CurrencySource)
		}
		if in.IsActive != nil {
			after.IsActive = *in.IsActive
		}
		return st.SaveUser(ctx, after)
	})
	if err != nil {
		return User{}, internal("update user settings", err)
	}

	s.logger.Info("user settings updated",
		zap.String("user_id", string(id)),
		zap.String("fee_percentage", after.FeePercentage.String()),
		zap.String("debt_threshold", after.DebtThreshold.Value.String()),
		zap.Bool("active", after.IsActive))

	s.invalidate(ViewUsers)
	if !before.FeePercentage.Equal(after.FeePercentage) {
		s.publish(ctx, NewEvent(FeePercentageChanged{
			UserID:   string(id),
			Previous: before.FeePercentage.String(),
			Current:  after.FeePercentage.String(),
		}, s.now()), AdminBroadcast(), ToUser(id))
	}
	return after, nil
}

func (s *Service) GetUser(ctx context.Context, p Principal, id UserID) (User, error) {
	if !p.IsAdmin() && p.UserID != id {
		return User{}, forbidden("read user", "not the account owner")
	}
	u, err := s.store.GetUser(ctx, id)
	return u, internal("get user", err)
}

// UserOverview is a directory row: the user and their live debt figures.
type UserOverview struct {
	User
	Debt DebtStatus
}

// ListUsers returns the user directory with debt figures, served through the
// cache. The bool reports whether the snapshot came from the cache.
func (s *Service) ListUsers(ctx context.Context, p Principal) ([]UserOverview, bool, error) {
	if err := requireAdmin(p, "list users"); err != nil {
		return nil, false, err
	}
	rows, cached, err := cache.FetchSlice(ctx, s.views, ViewUsers, func(ctx context.Context) ([]UserOverview, error) {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]UserOverview, 0, len(users))
		for _, u := range users {
			debt, err := OutstandingDebt(ctx, s.store, u.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, UserOverview{User: u, Debt: NewDebtStatus(u, debt)})
		}
		return out, nil
	})
	return rows, cached, internal("list users", err)
}

// =============================================================================
// SETTINGS
// =============================================================================

func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	settings, _, err := cache.Fetch(ctx, s.views, ViewSettings, s.store.GetSettings)
	return settings, internal("get settings", err)
}

// UpdateExchangeRate changes the rate for future transactions only.
func (s *Service) UpdateExchangeRate(ctx context.Context, p Principal, rate decimal.Decimal) (Settings, error) {
	if err := requireAdmin(p, "update exchange rate"); err != nil {
		return Settings{}, err
	}
	if !rate.IsPositive() {
		return Settings{}, invalid("exchange_rate", "must be greater than zero")
	}
	var after Settings
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := st.SetExchangeRate(ctx, rate); err != nil {
			return err
		}
		var err error
		after, err = st.GetSettings(ctx)
		return err
	})
	if err != nil {
		return Settings{}, internal("update exchange rate", err)
	}
	s.logger.Info("exchange rate updated", zap.String("rate", rate.String()))
	s.invalidate(ViewSettings)
	s.publish(ctx, NewEvent(SettingsUpdated{
		ExchangeRate: after.ExchangeRate.String(),
		MainBalance:  after.MainBalance.Value.String(),
	}, s.now()), AdminBroadcast())
	return after, nil
}

// =============================================================================
// CLIENTS
// =============================================================================

type CreateClientInput struct {
	OwnerID       UserID // admin only; defaults to the caller
	Name          string
	Phone         string
	BalanceExempt bool // admin only
}

func (s *Service) CreateClient(ctx context.Context, p Principal, in CreateClientInput) (Client, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Client{}, invalid("name", "is required")
	}
	owner := p.UserID
	if in.OwnerID != "" && in.OwnerID != p.UserID {
		if err := requireAdmin(p, "create client for another user"); err != nil {
			return Client{}, err
		}
		owner = in.OwnerID
	}
	if in.BalanceExempt {
		if err := requireAdmin(p, "mark client balance-exempt"); err != nil {
			return Client{}, err
		}
	}

	c := Client{
		ID:            ClientID(s.newID()),
		UserID:        owner,
		Name:          strings.TrimSpace(in.Name),
		Phone:         strings.TrimSpace(in.Phone),
		BalanceExempt: in.BalanceExempt,
		CreatedAt:     s.now(),
	}
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetUser(ctx, owner); err != nil {
			return err
		}
		return st.SaveClient(ctx, c)
	})
	if err != nil {
		return Client{}, internal("create client", err)
	}
	s.logger.Info("client created",
		zap.String("client_id", string(c.ID)),
		zap.String("owner", string(owner)),
		zap.Bool("balance_exempt", c.BalanceExempt))
	s.invalidate(ViewClients, ViewTransactions)
	return c, nil
}

// ListClients returns the caller's clients, or every client for administrators.
func (s *Service) ListClients(ctx context.Context, p Principal) ([]Client, bool, error) {
	owner := p.UserID
	if p.IsAdmin() {
		owner = ""
	}
	key := ViewClients + ":" + string(owner)
	clients, cached, err := cache.FetchSlice(ctx, s.views, key, func(ctx context.Context) ([]Client, error) {
		return s.store.ListClients(ctx, owner)
	})
	return clients, cached, internal("list clients", err)
}

func (s *Service) DeleteClient(ctx context.Context, p Principal, id ClientID) error {
	err := s.store.WithTx(ctx, func(st Store) error {
		c, err := st.GetClient(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsAdmin() && c.UserID != p.UserID {
			return forbidden("delete client", "not the owner")
		}
		inUse, err := st.ClientInUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return invalid("client", "is referenced by transactions")
		}
		return st.DeleteClient(ctx, id)
	})
	if err != nil {
		return internal("delete client", err)
	}
	s.logger.Info("client deleted", zap.String("client_id", string(id)), zap.String("actor", string(p.UserID)))
	s.invalidate(ViewClients)
	return nil
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

func (s *Service) GetTransaction(ctx context.Context, p Principal, id TransactionID) (Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, internal("get transaction", err)
	}
	if !p.IsAdmin() && tx.UserID != p.UserID {
		return Transaction{}, forbidden("read transaction", "not the owner")
	}
	return tx, nil
}

// ListMyTransactions reads the caller's own live transactions from the store.
func (s *Service) ListMyTransactions(ctx context.Context, p Principal, statuses ...Status) ([]EnrichedTransaction, error) {
	rows, err := s.store.FindTransactionsWithNames(ctx, TransactionFilter{UserID: p.UserID, Statuses: statuses})
	return rows, internal("list transactions", err)
}

func (s *Service) ListAllTransactions(ctx context.Context, p Principal) ([]EnrichedTransaction, bool, error) {
	if err := requireAdmin(p, "list all transactions"); err != nil {
		return nil, false, err
	}
	rows, cached, err := cache.FetchSlice(ctx, s.views, ViewAllTransactions, func(ctx context.Context) ([]EnrichedTransaction, error) {
		return s.store.FindTransactionsWithNames(ctx, TransactionFilter{})
	})
	return rows, cached, internal("list all transactions", err)
}

// PendingTransactions lists transactions awaiting an administrator, leaving
// out those whose owner asked for cancellation.
func (s *Service) PendingTransactions(ctx context.Context, p Principal) ([]EnrichedTransaction, bool, error) {
	if err := requireAdmin(p, "list pending transactions"); err != nil {
		return nil, false, err
	}
	rows, cached, err := cache.FetchSlice(ctx, s.views, ViewPendingTransactions, func(ctx context.Context) ([]EnrichedTransaction, error) {
		return s.store.FindTransactionsWithNames(ctx, TransactionFilter{
			Statuses:                     []Status{StatusPending, StatusSeen, StatusProofSubmitted},
			ExcludeCancellationRequested: true,
		})
	})
	return rows, cached, internal("list pending transactions", err)
}

// CancellationCandidates derives the review queue from the cached listing.
func (s *Service) CancellationCandidates(ctx context.Context, p Principal) ([]Candidate, error) {
	rows, _, err := s.ListAllTransactions(ctx, p)
	if err != nil {
		return nil, err
	}
	return CancellationCandidates(rows, s.now(), s.policy.Candidates), nil
}
