/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Every loader goes through ledger.Service, so the seeded
	state obeys the same rules, invalidations and notifications as live
	traffic.

AVAILABLE SCENARIOS:

	starter:        Exchange rate, funded main balance, two senders, clients
	debt-limit:     Starter + a sender one transfer away from their threshold
	cancellations:  Starter + rows in every lifecycle state, one cancellation
	                request awaiting review

HOW SCENARIOS WORK:
 1. Reset the store (clear all data) and drop cached views
 2. Set the exchange rate (20 GNF per FCFA)
 3. Create the calling administrator, then the senders
 4. Credit the main balance on behalf of each sender
 5. Create clients, including one balance-exempt counterparty
 6. Optionally create and move transactions

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "debt-limit"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - ledger/service.go: Operations used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "starter",
		Name:        "Starter",
		Description: "Rate 20, funded main balance, two senders with clients",
	},
	{
		ID:          "debt-limit",
		Name:        "Debt Limit",
		Description: "A sender at 99,000 FCFA of debt against a 100,000 threshold",
	},
	{
		ID:          "cancellations",
		Name:        "Cancellations",
		Description: "Transactions in every state and a pending cancellation request",
	},
}

const (
	seedSenderA ledger.UserID = "u-aminata"
	seedSenderB ledger.UserID = "u-ibrahima"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario. Administrators only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p := principal(r)
	if !p.IsAdmin() {
		h.writeServiceError(w, r, &ledger.AuthorizationError{Action: "load scenario", Reason: "administrator only"})
		return
	}

	var load func(context.Context, ledger.Principal) error
	switch req.ScenarioID {
	case "starter":
		load = func(ctx context.Context, p ledger.Principal) error {
			_, err := h.seedStarter(ctx, p)
			return err
		}
	case "debt-limit":
		load = h.loadDebtLimitScenario
	case "cancellations":
		load = h.loadCancellationsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", "validation", map[string]string{"scenario_id": req.ScenarioID})
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		h.writeServiceError(w, r, &ledger.InternalError{Op: "reset store", Err: err})
		return
	}
	h.Service.ResetViews()

	if err := load(ctx, p); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.String("by", string(p.UserID)))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seeded struct {
	regularClient ledger.ClientID
	exemptClient  ledger.ClientID
}

func (h *Handler) seedStarter(ctx context.Context, admin ledger.Principal) (seeded, error) {
	svc := h.Service
	if _, err := svc.UpdateExchangeRate(ctx, admin, decimal.NewFromInt(20)); err != nil {
		return seeded{}, fmt.Errorf("set exchange rate: %w", err)
	}

	users := []ledger.CreateUserInput{
		{ID: admin.UserID, Name: "Administrator", Role: ledger.RoleAdmin},
		{ID: seedSenderA, Name: "Aminata Camara", Phone: "+224620000001", Role: ledger.RoleUser,
			FeePercentage: decimal.NewFromInt(10), DebtThreshold: decimal.NewFromInt(100000)},
		{ID: seedSenderB, Name: "Ibrahima Sow", Phone: "+224620000002", Role: ledger.RoleUser,
			FeePercentage: decimal.NewFromInt(5), DebtThreshold: decimal.NewFromInt(50000)},
	}
	for _, in := range users {
		if _, err := svc.CreateUser(ctx, admin, in); err != nil {
			return seeded{}, fmt.Errorf("create user %s: %w", in.ID, err)
		}
	}

	// Fund each sender; the credit lands on the main balance and their wallet.
	funding := map[ledger.UserID]int64{seedSenderA: 100000, seedSenderB: 50000}
	for _, id := range []ledger.UserID{seedSenderA, seedSenderB} {
		if _, err := svc.AdjustBalance(ctx, admin, ledger.AdjustBalanceInput{
			Direction:    ledger.DirectionCredit,
			UserID:       id,
			SourceAmount: decimal.NewFromInt(funding[id]),
		}); err != nil {
			return seeded{}, fmt.Errorf("fund %s: %w", id, err)
		}
	}

	regular, err := svc.CreateClient(ctx, admin, ledger.CreateClientInput{
		OwnerID: seedSenderA, Name: "Mamadou Diallo", Phone: "+224621000001",
	})
	if err != nil {
		return seeded{}, fmt.Errorf("create client: %w", err)
	}
	exempt, err := svc.CreateClient(ctx, admin, ledger.CreateClientInput{
		OwnerID: seedSenderA, Name: "Conakry Agency", BalanceExempt: true,
	})
	if err != nil {
		return seeded{}, fmt.Errorf("create exempt client: %w", err)
	}
	if _, err := svc.CreateClient(ctx, admin, ledger.CreateClientInput{
		OwnerID: seedSenderB, Name: "Fatoumata Bah", Phone: "+224621000002",
	}); err != nil {
		return seeded{}, fmt.Errorf("create client: %w", err)
	}
	return seeded{regularClient: regular.ID, exemptClient: exempt.ID}, nil
}

// loadDebtLimitScenario leaves Aminata at 99,000 FCFA of debt: three
// 30,000 transfers at 10% fee. One more transfer is still allowed, the one
// after that is refused.
func (h *Handler) loadDebtLimitScenario(ctx context.Context, admin ledger.Principal) error {
	s, err := h.seedStarter(ctx, admin)
	if err != nil {
		return err
	}
	sender := ledger.Principal{UserID: seedSenderA, Role: ledger.RoleUser}
	clients := []ledger.ClientID{s.regularClient, s.regularClient, s.exemptClient}
	for i, c := range clients {
		if _, err := h.Service.CreateTransaction(ctx, sender, ledger.CreateTransactionInput{
			ClientID:     c,
			PhoneNumber:  fmt.Sprintf("+22462200000%d", i+1),
			SourceAmount: decimal.NewFromInt(30000),
		}); err != nil {
			return fmt.Errorf("create transaction %d: %w", i+1, err)
		}
	}
	return nil
}

// loadCancellationsScenario creates one transaction per lifecycle state and
// a cancellation request on a seen transaction.
func (h *Handler) loadCancellationsScenario(ctx context.Context, admin ledger.Principal) error {
	s, err := h.seedStarter(ctx, admin)
	if err != nil {
		return err
	}
	svc := h.Service
	sender := ledger.Principal{UserID: seedSenderA, Role: ledger.RoleUser}

	create := func(amount int64) (ledger.Transaction, error) {
		return svc.CreateTransaction(ctx, sender, ledger.CreateTransactionInput{
			ClientID:     s.regularClient,
			PhoneNumber:  "+224622000010",
			SourceAmount: decimal.NewFromInt(amount),
		})
	}
	advance := func(p ledger.Principal, id ledger.TransactionID, to ledger.Status) error {
		_, err := svc.UpdateTransactionStatus(ctx, p, id, ledger.UpdateTransactionInput{Status: &to})
		return err
	}

	// pending
	if _, err := create(5000); err != nil {
		return err
	}

	// seen, then the owner asks to cancel it
	seen, err := create(6000)
	if err != nil {
		return err
	}
	if err := advance(admin, seen.ID, ledger.StatusSeen); err != nil {
		return err
	}
	if _, err := svc.DeleteTransaction(ctx, sender, seen.ID, ledger.DeleteOptions{Reason: "wrong recipient"}); err != nil {
		return err
	}

	submitProof := func(id ledger.TransactionID, ref string) error {
		if err := advance(admin, id, ledger.StatusSeen); err != nil {
			return err
		}
		_, err := svc.UpdateTransactionStatus(ctx, sender, id, ledger.UpdateTransactionInput{
			Proof: &ledger.ProofSubmission{ExternalRef: ref},
		})
		return err
	}

	// proof_submitted
	proofed, err := create(7000)
	if err != nil {
		return err
	}
	if err := submitProof(proofed.ID, "OM-000117"); err != nil {
		return err
	}

	// validated
	validated, err := create(8000)
	if err != nil {
		return err
	}
	if err := submitProof(validated.ID, "OM-000118"); err != nil {
		return err
	}
	if err := advance(admin, validated.ID, ledger.StatusValidated); err != nil {
		return err
	}

	// cancelled
	cancelled, err := create(9000)
	if err != nil {
		return err
	}
	return advance(admin, cancelled.ID, ledger.StatusCancelled)
}
