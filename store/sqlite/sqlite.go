/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  The Persistence Adapter. Implements ledger.TxStore and the push
  subscription store on one SQLite database. It is the single source of
  truth for balances, statuses and flags.

INTERFACES IMPLEMENTED:
  ledger.TxStore:           Users, clients, transactions, payments, settings
  notify.SubscriptionStore: Offline push endpoints per administrator

ATOMIC UNITS:
  WithTx runs the callback inside one SQL transaction opened with
  BEGIN IMMEDIATE, so a unit holds the write lock from its first read and
  two units can never interleave their read-modify-write cycles. File
  databases wait on each other through busy_timeout; ":memory:" has a
  single pooled connection, so a second unit waits for the pool. No
  process-wide mutex is held around the unit.

ROW-LEVEL ATOMICITY:
  UpdateTransaction is a conditional UPDATE:
    UPDATE transactions SET ... WHERE id = ? AND status = ? AND is_deleted = ?
                                  AND cancellation_requested = ?
  Zero rows affected on an existing row means another writer won; the
  adapter returns ledger.ErrStaleWrite and writes nothing.

KEY TABLES:
  users, clients, transactions, payments: one row per entity
  settings:           singleton row (id = 1): exchange rate, main balance
  push_subscriptions: admin id -> endpoint

MONEY:
  Amounts are stored as decimal TEXT and parsed back with shopspring/decimal.
  No column ever holds a binary float.

INDEXES:
  - idx_transactions_user: debt recomputation (hot path)
  - idx_transactions_status: pending listing
  - idx_transactions_client: client reference check before delete

WAL MODE:
  File databases are opened with WAL and a busy timeout. ":memory:" is
  pinned to a single connection, since every new connection would see an
  empty database.

USAGE:
  store, err := sqlite.New("./data/remit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/remit-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: &queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL CHECK (role IN ('admin', 'user')),
		wallet_balance TEXT NOT NULL DEFAULT '0',
		fee_percentage TEXT NOT NULL DEFAULT '0',
		debt_threshold TEXT NOT NULL DEFAULT '0',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		balance_exempt INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clients_user ON clients(user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		client_id TEXT,
		phone_number TEXT NOT NULL,
		amount_source TEXT NOT NULL,
		amount_settlement TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		amount_to_pay TEXT NOT NULL,
		fee_percentage TEXT NOT NULL,
		exchange_rate TEXT NOT NULL,
		balance_exempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		deleted_by TEXT,
		cancellation_requested INTEGER NOT NULL DEFAULT 0,
		cancellation_requested_at TEXT,
		cancellation_reason TEXT,
		proof_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, is_deleted, cancellation_requested);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status) WHERE is_deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_transactions_client
		ON transactions(client_id) WHERE client_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at DESC);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		amount TEXT NOT NULL,
		validated_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		exchange_rate TEXT NOT NULL,
		main_balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	INSERT OR IGNORE INTO settings (id, exchange_rate, main_balance, updated_at)
		VALUES (1, '0', '0', '1970-01-01T00:00:00.000000000Z');

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id TEXT PRIMARY KEY,
		admin_id TEXT NOT NULL,
		endpoint TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_push_subscriptions_admin ON push_subscriptions(admin_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AdjustWallet is a read-modify-write, so outside WithTx it opens its own unit.
func (s *Store) AdjustWallet(ctx context.Context, id ledger.UserID, delta decimal.Decimal) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.AdjustWallet(ctx, id, delta) })
}

func (s *Store) AdjustMainBalance(ctx context.Context, delta decimal.Decimal) error {
	return s.WithTx(ctx, func(st ledger.Store) error { return st.AdjustMainBalance(ctx, delta) })
}

// Reset clears all data and zeroes the settings row (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer sqlTx.Rollback()

	stmts := []string{
		"DELETE FROM payments",
		"DELETE FROM transactions",
		"DELETE FROM clients",
		"DELETE FROM users",
		"DELETE FROM push_subscriptions",
		"UPDATE settings SET exchange_rate = '0', main_balance = '0' WHERE id = 1",
	}
	for _, stmt := range stmts {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - shared by the pooled handle and WithTx units
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// ----- users -----

const userColumns = `id, name, phone, role, wallet_balance, fee_percentage, debt_threshold, is_active, created_at`

func (s *queries) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	users, err := s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return ledger.User{}, err
	}
	if len(users) == 0 {
		return ledger.User{}, &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	return users[0], nil
}

func (s *queries) ListUsers(ctx context.Context) ([]ledger.User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY name ASC`)
}

func (s *queries) queryUsers(ctx context.Context, query string, args ...any) ([]ledger.User, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []ledger.User{}
	for rows.Next() {
		var (
			u                      ledger.User
			wallet, fee, threshold string
			createdAt              string
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &wallet, &fee, &threshold, &u.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		var d decimals
		u.WalletBalance = d.money("wallet_balance", wallet, ledger.CurrencySettlement)
		u.FeePercentage = d.parse("fee_percentage", fee)
		u.DebtThreshold = d.money("debt_threshold", threshold, ledger.CurrencySource)
		if d.err != nil {
			return nil, fmt.Errorf("user %s: %w", u.ID, d.err)
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *queries) SaveUser(ctx context.Context, u ledger.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			role = excluded.role,
			wallet_balance = excluded.wallet_balance,
			fee_percentage = excluded.fee_percentage,
			debt_threshold = excluded.debt_threshold,
			is_active = excluded.is_active
	`,
		u.ID, u.Name, u.Phone, u.Role,
		u.WalletBalance.Value.String(),
		u.FeePercentage.String(),
		u.DebtThreshold.Value.String(),
		u.IsActive,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *queries) AdjustWallet(ctx context.Context, id ledger.UserID, delta decimal.Decimal) error {
	var current string
	err := s.q.QueryRowContext(ctx, `SELECT wallet_balance FROM users WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("failed to read wallet: %w", err)
	}
	var d decimals
	balance := d.parse("wallet_balance", current)
	if d.err != nil {
		return fmt.Errorf("user %s: %w", id, d.err)
	}
	next := balance.Add(delta)
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET wallet_balance = ? WHERE id = ?`, next.String(), id); err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return nil
}

// ----- clients -----

const clientColumns = `id, user_id, name, phone, balance_exempt, created_at`

func (s *queries) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	clients, err := s.queryClients(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	if err != nil {
		return ledger.Client{}, err
	}
	if len(clients) == 0 {
		return ledger.Client{}, &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	return clients[0], nil
}

func (s *queries) ListClients(ctx context.Context, owner ledger.UserID) ([]ledger.Client, error) {
	if owner == "" {
		return s.queryClients(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name ASC`)
	}
	return s.queryClients(ctx, `SELECT `+clientColumns+` FROM clients WHERE user_id = ? ORDER BY name ASC`, owner)
}

func (s *queries) queryClients(ctx context.Context, query string, args ...any) ([]ledger.Client, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	clients := []ledger.Client{}
	for rows.Next() {
		var (
			c         ledger.Client
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.BalanceExempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *queries) ClientInUse(ctx context.Context, id ledger.ClientID) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE client_id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count client references: %w", err)
	}
	return count > 0, nil
}

func (s *queries) SaveClient(ctx context.Context, c ledger.Client) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			balance_exempt = excluded.balance_exempt
	`, c.ID, c.UserID, c.Name, c.Phone, c.BalanceExempt, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

func (s *queries) DeleteClient(ctx context.Context, id ledger.ClientID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	return nil
}

// ----- transactions -----

const transactionColumns = `t.id, t.user_id, t.client_id, t.phone_number,
	t.amount_source, t.amount_settlement, t.fee_amount, t.amount_to_pay,
	t.fee_percentage, t.exchange_rate, t.balance_exempt, t.status,
	t.is_deleted, t.deleted_at, t.deleted_by,
	t.cancellation_requested, t.cancellation_requested_at, t.cancellation_reason,
	t.proof_json, t.created_at, t.updated_at`

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions t WHERE t.id = ?`, id)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to query transaction: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Transaction{}, err
		}
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return scanTransaction(rows)
}

func (s *queries) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	where, args := buildWhere(f)
	rows, err := s.q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions t`+where+orderAndLimit(f), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// FindTransactionsWithNames resolves names in SQL. A missing or unknown
// client degrades to ledger.OccasionalCounterparty.
func (s *queries) FindTransactionsWithNames(ctx context.Context, f ledger.TransactionFilter) ([]ledger.EnrichedTransaction, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + transactionColumns + `, COALESCE(u.name, ''), COALESCE(c.name, ?)
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		LEFT JOIN clients c ON c.id = t.client_id` + where + orderAndLimit(f)

	rows, err := s.q.QueryContext(ctx, query, append([]any{ledger.OccasionalCounterparty}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enriched transactions: %w", err)
	}
	defer rows.Close()

	out := []ledger.EnrichedTransaction{}
	for rows.Next() {
		var row ledger.EnrichedTransaction
		tx, err := scanTransaction(rows, &row.UserName, &row.ClientName)
		if err != nil {
			return nil, err
		}
		row.Transaction = tx
		out = append(out, row)
	}
	return out, rows.Err()
}

func buildWhere(f ledger.TransactionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "t.user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "t.is_deleted = 0")
	}
	if f.ExcludeCancellationRequested {
		clauses = append(clauses, "t.cancellation_requested = 0")
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		clauses = append(clauses, "t.status IN ("+marks+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderAndLimit(f ledger.TransactionFilter) string {
	clause := " ORDER BY t.created_at DESC, t.id DESC"
	if f.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return clause
}

func (s *queries) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	proof, err := encodeProof(tx.Proof)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, client_id, phone_number,
		 amount_source, amount_settlement, fee_amount, amount_to_pay,
		 fee_percentage, exchange_rate, balance_exempt, status,
		 is_deleted, deleted_at, deleted_by,
		 cancellation_requested, cancellation_requested_at, cancellation_reason,
		 proof_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.UserID, nullString(string(tx.ClientID)), tx.PhoneNumber,
		tx.AmountSource.Value.String(),
		tx.AmountSettlement.Value.String(),
		tx.FeeAmount.Value.String(),
		tx.AmountToPay.Value.String(),
		tx.FeePercentage.String(),
		tx.ExchangeRate.String(),
		tx.BalanceExempt,
		tx.Status,
		tx.IsDeleted, nullTime(tx.DeletedAt), nullString(string(tx.DeletedBy)),
		tx.CancellationRequested, nullTime(tx.CancellationRequestedAt), nullString(tx.CancellationReason),
		proof,
		formatTime(tx.CreatedAt),
		formatTime(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConflictError{Kind: "transaction", ID: string(tx.ID), Reason: "already exists"}
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// UpdateTransaction writes the mutable columns only. Amounts, rate and fee
// are frozen at insert and never rewritten.
func (s *queries) UpdateTransaction(ctx context.Context, tx ledger.Transaction, expect ledger.Precondition) error {
	proof, err := encodeProof(tx.Proof)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE transactions SET
			status = ?,
			is_deleted = ?, deleted_at = ?, deleted_by = ?,
			cancellation_requested = ?, cancellation_requested_at = ?, cancellation_reason = ?,
			proof_json = ?, updated_at = ?
		WHERE id = ? AND status = ? AND is_deleted = ? AND cancellation_requested = ?
	`,
		tx.Status,
		tx.IsDeleted, nullTime(tx.DeletedAt), nullString(string(tx.DeletedBy)),
		tx.CancellationRequested, nullTime(tx.CancellationRequestedAt), nullString(tx.CancellationReason),
		proof, formatTime(tx.UpdatedAt),
		tx.ID, expect.Status, expect.IsDeleted, expect.CancellationRequested,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, tx.ID); err != nil {
		return err
	}
	return ledger.ErrStaleWrite
}

func (s *queries) PurgeTransaction(ctx context.Context, id ledger.TransactionID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND is_deleted = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to purge transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ledger.ErrStaleWrite
}

// scanTransaction reads transactionColumns followed by any extra destinations.
func scanTransaction(rows *sql.Rows, extra ...any) (ledger.Transaction, error) {
	var (
		tx                                      ledger.Transaction
		clientID, deletedBy, reason, proofJSON  sql.NullString
		deletedAt, cancelledAt                  sql.NullString
		source, settlement, fee, toPay, pct, fx string
		createdAt, updatedAt                    string
	)
	dest := []any{
		&tx.ID, &tx.UserID, &clientID, &tx.PhoneNumber,
		&source, &settlement, &fee, &toPay,
		&pct, &fx, &tx.BalanceExempt, &tx.Status,
		&tx.IsDeleted, &deletedAt, &deletedBy,
		&tx.CancellationRequested, &cancelledAt, &reason,
		&proofJSON, &createdAt, &updatedAt,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ClientID = ledger.ClientID(clientID.String)
	var d decimals
	tx.AmountSource = d.money("amount_source", source, ledger.CurrencySource)
	tx.AmountSettlement = d.money("amount_settlement", settlement, ledger.CurrencySettlement)
	tx.FeeAmount = d.money("fee_amount", fee, ledger.CurrencySource)
	tx.AmountToPay = d.money("amount_to_pay", toPay, ledger.CurrencySource)
	tx.FeePercentage = d.parse("fee_percentage", pct)
	tx.ExchangeRate = d.parse("exchange_rate", fx)
	if d.err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, d.err)
	}
	tx.DeletedAt = parseNullTime(deletedAt)
	tx.DeletedBy = ledger.UserID(deletedBy.String)
	tx.CancellationRequestedAt = parseNullTime(cancelledAt)
	tx.CancellationReason = reason.String
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	if proofJSON.Valid && proofJSON.String != "" {
		if err := json.Unmarshal([]byte(proofJSON.String), &tx.Proof); err != nil {
			return tx, fmt.Errorf("failed to decode proof of %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// ----- payments -----

func (s *queries) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, amount, validated_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Amount.Value.String(), p.ValidatedBy, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *queries) ListPayments(ctx context.Context, userID ledger.UserID) ([]ledger.Payment, error) {
	query := `SELECT id, user_id, amount, validated_by, created_at FROM payments`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.q.QueryContext(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []ledger.Payment{}
	for rows.Next() {
		var (
			p                 ledger.Payment
			amount, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &amount, &p.ValidatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		var d decimals
		p.Amount = d.money("amount", amount, ledger.CurrencySource)
		if d.err != nil {
			return nil, fmt.Errorf("payment %s: %w", p.ID, d.err)
		}
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ----- settings -----

func (s *queries) GetSettings(ctx context.Context) (ledger.Settings, error) {
	var rate, balance, updatedAt string
	err := s.q.QueryRowContext(ctx,
		`SELECT exchange_rate, main_balance, updated_at FROM settings WHERE id = 1`,
	).Scan(&rate, &balance, &updatedAt)
	if err != nil {
		return ledger.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var d decimals
	settings := ledger.Settings{
		ExchangeRate: d.parse("exchange_rate", rate),
		MainBalance:  d.money("main_balance", balance, ledger.CurrencySettlement),
		UpdatedAt:    parseTime(updatedAt),
	}
	if d.err != nil {
		return ledger.Settings{}, fmt.Errorf("settings: %w", d.err)
	}
	return settings, nil
}

func (s *queries) AdjustMainBalance(ctx context.Context, delta decimal.Decimal) error {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	next := settings.MainBalance.Value.Add(delta)
	_, err = s.q.ExecContext(ctx, `UPDATE settings SET main_balance = ?, updated_at = ? WHERE id = 1`,
		next.String(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update main balance: %w", err)
	}
	return nil
}

func (s *queries) SetExchangeRate(ctx context.Context, rate decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx, `UPDATE settings SET exchange_rate = ?, updated_at = ? WHERE id = 1`,
		rate.String(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update exchange rate: %w", err)
	}
	return nil
}

// =============================================================================
// PUSH SUBSCRIPTIONS (notify.SubscriptionStore interface)
// =============================================================================

// SaveSubscription registers an endpoint. Re-registering an endpoint moves it
// to the new administrator.
func (s *Store) SaveSubscription(ctx context.Context, sub ledger.PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, admin_id, endpoint, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET admin_id = excluded.admin_id
	`, sub.ID, sub.AdminID, sub.Endpoint, formatTime(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns the endpoints of adminID, or all when empty.
func (s *Store) ListSubscriptions(ctx context.Context, adminID ledger.UserID) ([]ledger.PushSubscription, error) {
	query := `SELECT id, admin_id, endpoint, created_at FROM push_subscriptions`
	var args []any
	if adminID != "" {
		query += ` WHERE admin_id = ?`
		args = append(args, adminID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query push subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []ledger.PushSubscription{}
	for rows.Next() {
		var (
			sub       ledger.PushSubscription
			createdAt string
		)
		if err := rows.Scan(&sub.ID, &sub.AdminID, &sub.Endpoint, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan push subscription: %w", err)
		}
		sub.CreatedAt = parseTime(createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) DeleteSubscription(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("failed to delete push subscription: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// formatTime uses a fixed-width UTC layout so text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// decimals parses stored decimal columns and keeps the first failure, so a
// corrupt cell is reported instead of being read as zero.
type decimals struct{ err error }

func (d *decimals) parse(column, value string) decimal.Decimal {
	v, err := decimal.NewFromString(value)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("corrupt %s %q: %w", column, value, err)
	}
	return v
}

func (d *decimals) money(column, value string, currency ledger.Currency) ledger.Money {
	return ledger.NewMoney(d.parse(column, value), currency)
}

func encodeProof(p ledger.Proof) (sql.NullString, error) {
	if p.IsEmpty() {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode proof: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
