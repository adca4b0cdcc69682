/*
handlers.go - HTTP request handlers for the remittance ledger API

PURPOSE:
  Implements the REST endpoints. Each handler decodes the request, takes
  the authenticated principal from the context, calls one ledger.Service
  operation and encodes the result. No business rule lives here.

ENDPOINTS:
  Users:
    GET    /api/users                    - Admin overview with debt status (cached)
    POST   /api/users                    - Onboard a user (admin)
    PATCH  /api/users/{id}               - Fee, threshold, active flag (admin)
    GET    /api/users/{id}/debt          - Debt status (owner or admin)
    GET    /api/users/{id}/payments      - Payments (owner or admin)
    GET    /api/me/debt                  - Caller's own debt status

  Clients:
    GET    /api/clients                  - Own clients, all for admins (cached)
    POST   /api/clients                  - Create a client
    DELETE /api/clients/{id}             - Delete an unreferenced client

  Transactions:
    GET    /api/transactions             - Own, or all for admins (cached)
    POST   /api/transactions             - Create a transaction
    GET    /api/transactions/pending     - Admin work queue (cached)
    GET    /api/transactions/candidates  - Cancellation candidates (admin)
    GET    /api/transactions/{id}        - One transaction
    PATCH  /api/transactions/{id}        - Status change or proof submission
    DELETE /api/transactions/{id}        - Three-tier delete

  Money and settings:
    POST   /api/payments                 - Record a debt payment (admin)
    GET    /api/settings                 - Exchange rate and main balance
    PUT    /api/settings/exchange-rate   - Change the rate (admin)
    POST   /api/settings/balance         - Credit or debit the main balance (admin)

  Push:
    POST   /api/push/subscriptions       - Register an offline push endpoint (admin)
    DELETE /api/push/subscriptions       - Remove it (admin)

ERROR HANDLING:
  writeServiceError maps the ledger error taxonomy to HTTP:
    validation 400, authorization 403, insufficient funds and debt
    exceeded 422, not found 404, internal 500.
  A conflict means the operation was already applied; it is answered with
  200 and a notice instead of an error.

SEE ALSO:
  - server.go: Route registration
  - ws.go: Websocket endpoint
  - dto.go: Request/response types
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/auth"
	"github.com/warp/remit-engine/ledger"
	"github.com/warp/remit-engine/notify"
)

// Resetter wipes the backing store. Only the demo seed uses it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service       *ledger.Service
	Hub           *notify.Hub
	Push          *notify.Dispatcher
	Store         Resetter
	Logger        *zap.Logger
	ChannelBuffer int

	// AllowedOrigins is checked on websocket upgrades.
	AllowedOrigins []string
}

// NewHandler creates a new handler.
func NewHandler(svc *ledger.Service, hub *notify.Hub, push *notify.Dispatcher, store Resetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:       svc,
		Hub:           hub,
		Push:          push,
		Store:         store,
		Logger:        logger,
		ChannelBuffer: 32,
	}
}

// =============================================================================
// USERS
// =============================================================================

// ListUsers returns every user with their debt status.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	rows, cached, err := h.Service.ListUsers(r.Context(), principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toUserOverviewDTOs(rows), len(rows), cached)
}

// CreateUser onboards a user or administrator.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wallet, err := parseDecimal("wallet_balance", req.WalletBalance)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	fee, err := parseDecimal("fee_percentage", req.FeePercentage)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	threshold, err := parseDecimal("debt_threshold", req.DebtThreshold)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	u, err := h.Service.CreateUser(r.Context(), principal(r), ledger.CreateUserInput{
		ID:            ledger.UserID(req.ID),
		Name:          req.Name,
		Phone:         req.Phone,
		Role:          ledger.Role(req.Role),
		WalletBalance: wallet,
		FeePercentage: fee,
		DebtThreshold: threshold,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// UpdateUser changes a user's fee percentage, debt threshold or active flag.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fee, err := parseDecimalPtr("fee_percentage", req.FeePercentage)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	threshold, err := parseDecimalPtr("debt_threshold", req.DebtThreshold)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	u, err := h.Service.UpdateUserSettings(r.Context(), principal(r), ledger.UserID(chi.URLParam(r, "id")),
		ledger.UpdateUserSettingsInput{FeePercentage: fee, DebtThreshold: threshold, IsActive: req.IsActive})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetUserDebt returns whether the user can still send and their remaining credit.
func (h *Handler) GetUserDebt(w http.ResponseWriter, r *http.Request) {
	h.writeDebt(w, r, ledger.UserID(chi.URLParam(r, "id")))
}

// GetMyDebt is GetUserDebt for the caller.
func (h *Handler) GetMyDebt(w http.ResponseWriter, r *http.Request) {
	h.writeDebt(w, r, principal(r).UserID)
}

func (h *Handler) writeDebt(w http.ResponseWriter, r *http.Request, id ledger.UserID) {
	status, err := h.Service.UserDebtStatus(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtStatusDTO(status))
}

// ListPayments returns a user's payments, oldest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Service.ListPayments(r.Context(), principal(r), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toPaymentDTOs(payments), len(payments), false)
}

// =============================================================================
// CLIENTS
// =============================================================================

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, cached, err := h.Service.ListClients(r.Context(), principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toClientDTOs(clients), len(clients), cached)
}

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.Service.CreateClient(r.Context(), principal(r), ledger.CreateClientInput{
		OwnerID:       ledger.UserID(req.OwnerID),
		Name:          req.Name,
		Phone:         req.Phone,
		BalanceExempt: req.BalanceExempt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(c))
}

func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteClient(r.Context(), principal(r), ledger.ClientID(chi.URLParam(r, "id"))); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ListTransactions returns every transaction for administrators (from the
// aggregation cache) and the caller's own transactions otherwise. Users may
// narrow their listing with repeated ?status= parameters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.IsAdmin() {
		rows, cached, err := h.Service.ListAllTransactions(r.Context(), p)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeList(w, toEnrichedDTOs(rows), len(rows), cached)
		return
	}

	var statuses []ledger.Status
	for _, s := range r.URL.Query()["status"] {
		st := ledger.Status(s)
		if !st.Valid() {
			h.writeServiceError(w, r, &ledger.ValidationError{Field: "status", Reason: "unknown status " + s})
			return
		}
		statuses = append(statuses, st)
	}
	rows, err := h.Service.ListMyTransactions(r.Context(), p, statuses...)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toEnrichedDTOs(rows), len(rows), false)
}

func (h *Handler) PendingTransactions(w http.ResponseWriter, r *http.Request) {
	rows, cached, err := h.Service.PendingTransactions(r.Context(), principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toEnrichedDTOs(rows), len(rows), cached)
}

func (h *Handler) CancellationCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.Service.CancellationCandidates(r.Context(), principal(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, toCandidateDTOs(candidates), len(candidates), false)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Service.GetTransaction(r.Context(), principal(r), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// CreateTransaction records a transfer, debiting the main balance unless the
// client is balance-exempt. Refused with 422 when the sender's debt has
// reached their threshold or their wallet is short.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseDecimal("source_amount", req.SourceAmount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	tx, err := h.Service.CreateTransaction(r.Context(), principal(r), ledger.CreateTransactionInput{
		ClientID:     ledger.ClientID(req.ClientID),
		PhoneNumber:  req.PhoneNumber,
		SourceAmount: amount,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// UpdateTransaction moves a transaction through its lifecycle, or attaches
// proof (which implies proof_submitted).
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req UpdateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var in ledger.UpdateTransactionInput
	if req.Status != nil {
		st := ledger.Status(*req.Status)
		in.Status = &st
	}
	if req.Proof != nil {
		in.Proof = &ledger.ProofSubmission{
			Images:      req.Proof.Images,
			ExternalRef: req.Proof.ExternalRef,
			Mode:        ledger.ProofMode(req.Proof.Mode),
		}
	}

	tx, err := h.Service.UpdateTransactionStatus(r.Context(), principal(r), ledger.TransactionID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// DeleteTransaction applies the caller's deletion tier:
//   - owner, pending: soft delete
//   - owner, later status: cancellation request
//   - admin: soft delete, restoring the main balance for non-terminal rows
//   - admin with ?permanent=true on a soft-deleted row: purge
//
// Repeats are answered with 200 and a notice.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	permanent := false
	if v := r.URL.Query().Get("permanent"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeServiceError(w, r, &ledger.ValidationError{Field: "permanent", Reason: "must be a boolean"})
			return
		}
		permanent = b
	}

	res, err := h.Service.DeleteTransaction(r.Context(), principal(r), ledger.TransactionID(chi.URLParam(r, "id")),
		ledger.DeleteOptions{Permanent: permanent, Reason: r.URL.Query().Get("reason")})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeleteResponse(res))
}

// =============================================================================
// PAYMENTS AND SETTINGS
// =============================================================================

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	payment, err := h.Service.RecordPayment(r.Context(), principal(r), ledger.RecordPaymentInput{
		UserID: ledger.UserID(req.UserID),
		Amount: amount,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment))
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Service.GetSettings(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

func (h *Handler) UpdateExchangeRate(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rate, err := parseDecimal("rate", req.Rate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	settings, err := h.Service.UpdateExchangeRate(r.Context(), principal(r), rate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseDecimal("source_amount", req.SourceAmount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	settings, err := h.Service.AdjustBalance(r.Context(), principal(r), ledger.AdjustBalanceInput{
		Direction:    ledger.Direction(req.Direction),
		UserID:       ledger.UserID(req.UserID),
		SourceAmount: amount,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

// =============================================================================
// PUSH SUBSCRIPTIONS
// =============================================================================

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.Push.Subscribe(r.Context(), principal(r), req.Endpoint)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubscriptionDTO{
		ID:        sub.ID,
		Endpoint:  sub.Endpoint,
		CreatedAt: formatTime(sub.CreatedAt),
	})
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Push.Unsubscribe(r.Context(), principal(r), req.Endpoint); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

// principal returns the caller set by the auth middleware. Routes are only
// mounted behind it, so a missing principal is a wiring bug.
func principal(r *http.Request) ledger.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeList(w http.ResponseWriter, items any, count int, cached bool) {
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Count: count, Cached: cached})
}

func writeError(w http.ResponseWriter, status int, message, kind string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind, Details: details})
}

// writeServiceError translates a ledger error into its HTTP response.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.Kind(err)

	var (
		validation *ledger.ValidationError
		transition *ledger.InvalidTransitionError
		funds      *ledger.InsufficientFundsError
		debt       *ledger.DebtExceededError
	)
	switch {
	case errors.As(err, &transition):
		writeError(w, http.StatusBadRequest, err.Error(), kind, map[string]string{
			"from": string(transition.From),
			"to":   string(transition.To),
		})
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error(), kind, map[string]string{"field": validation.Field})
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error(), kind, nil)
	case errors.As(err, &funds):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), kind, map[string]string{
			"account":   funds.Account,
			"available": funds.Available.Value.String(),
			"requested": funds.Requested.Value.String(),
			"shortfall": funds.Shortfall.Value.String(),
			"currency":  string(funds.Available.Currency),
		})
	case errors.As(err, &debt):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), kind, map[string]string{
			"current_debt": debt.CurrentDebt.Value.String(),
			"threshold":    debt.Threshold.Value.String(),
			"currency":     string(debt.Threshold.Currency),
		})
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), kind, nil)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), kind, nil)
	case errors.Is(err, ledger.ErrConflict):
		writeJSON(w, http.StatusOK, NoticeResponse{Notice: err.Error(), Kind: kind})
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", kind, nil)
	}
}
