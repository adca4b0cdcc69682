/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Money travels as decimal
  strings so no precision is lost on the way to or from a client.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Users:
    UserDTO, UserOverviewDTO, DebtStatusDTO, CreateUserRequest, UpdateUserRequest

  Clients:
    ClientDTO, CreateClientRequest

  Transactions:
    TransactionDTO, CreateTransactionRequest, UpdateTransactionRequest,
    DeleteTransactionResponse, CandidateDTO

  Money:
    PaymentDTO, RecordPaymentRequest, SettingsDTO, ExchangeRateRequest,
    AdjustBalanceRequest

  Push:
    SubscriptionRequest, SubscriptionDTO

VALIDATION:
  Decimal parsing happens here (parseDecimal); every business rule lives in
  the ledger package.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/remit-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

type UserDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	Role          string `json:"role"`
	WalletBalance string `json:"wallet_balance"`
	FeePercentage string `json:"fee_percentage"`
	DebtThreshold string `json:"debt_threshold"`
	IsActive      bool   `json:"is_active"`
	CreatedAt     string `json:"created_at"`
}

type DebtStatusDTO struct {
	UserID          string `json:"user_id"`
	CanSend         bool   `json:"can_send"`
	CurrentDebt     string `json:"current_debt"`
	Threshold       string `json:"threshold"`
	RemainingCredit string `json:"remaining_credit"`
	Currency        string `json:"currency"`
}

type UserOverviewDTO struct {
	UserDTO
	Debt DebtStatusDTO `json:"debt"`
}

type CreateUserRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Role          string `json:"role"`
	WalletBalance string `json:"wallet_balance"`
	FeePercentage string `json:"fee_percentage"`
	DebtThreshold string `json:"debt_threshold"`
}

// UpdateUserRequest only changes the fields that are present.
type UpdateUserRequest struct {
	FeePercentage *string `json:"fee_percentage"`
	DebtThreshold *string `json:"debt_threshold"`
	IsActive      *bool   `json:"is_active"`
}

type ClientDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	BalanceExempt bool   `json:"balance_exempt"`
	CreatedAt     string `json:"created_at"`
}

type CreateClientRequest struct {
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	BalanceExempt bool   `json:"balance_exempt"`
}

type ProofDTO struct {
	Images      []string `json:"images,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

type TransactionDTO struct {
	ID                      string    `json:"id"`
	UserID                  string    `json:"user_id"`
	UserName                string    `json:"user_name,omitempty"`
	ClientID                string    `json:"client_id,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	PhoneNumber             string    `json:"phone_number"`
	AmountSource            string    `json:"amount_source"`
	AmountSettlement        string    `json:"amount_settlement"`
	FeeAmount               string    `json:"fee_amount"`
	AmountToPay             string    `json:"amount_to_pay"`
	FeePercentage           string    `json:"fee_percentage"`
	ExchangeRate            string    `json:"exchange_rate"`
	BalanceExempt           bool      `json:"balance_exempt"`
	Status                  string    `json:"status"`
	IsDeleted               bool      `json:"is_deleted"`
	DeletedAt               string    `json:"deleted_at,omitempty"`
	DeletedBy               string    `json:"deleted_by,omitempty"`
	CancellationRequested   bool      `json:"cancellation_requested"`
	CancellationRequestedAt string    `json:"cancellation_requested_at,omitempty"`
	CancellationReason      string    `json:"cancellation_reason,omitempty"`
	Proof                   *ProofDTO `json:"proof,omitempty"`
	CreatedAt               string    `json:"created_at"`
	UpdatedAt               string    `json:"updated_at"`
}

type CreateTransactionRequest struct {
	ClientID     string `json:"client_id"`
	PhoneNumber  string `json:"phone_number"`
	SourceAmount string `json:"source_amount"`
}

type ProofRequest struct {
	Images      []string `json:"images"`
	ExternalRef string   `json:"external_ref"`
	// Mode is "replace" (default) or "append".
	Mode string `json:"mode"`
}

type UpdateTransactionRequest struct {
	Status *string       `json:"status"`
	Proof  *ProofRequest `json:"proof"`
}

type DeleteTransactionResponse struct {
	Outcome         string         `json:"outcome"`
	BalanceRestored bool           `json:"balance_restored"`
	RestoredAmount  string         `json:"restored_amount,omitempty"`
	Transaction     TransactionDTO `json:"transaction"`
	Notice          string         `json:"notice,omitempty"`
}

type CandidateDTO struct {
	TransactionDTO
	Reason     string `json:"reason"`
	AgeSeconds int64  `json:"age_seconds"`
}

type PaymentDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	ValidatedBy string `json:"validated_by"`
	CreatedAt   string `json:"created_at"`
}

type RecordPaymentRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

type SettingsDTO struct {
	ExchangeRate string `json:"exchange_rate"`
	MainBalance  string `json:"main_balance"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type ExchangeRateRequest struct {
	Rate string `json:"rate"`
}

type AdjustBalanceRequest struct {
	Direction    string `json:"direction"`
	UserID       string `json:"user_id"`
	SourceAmount string `json:"source_amount"`
}

type SubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
}

type SubscriptionDTO struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	CreatedAt string `json:"created_at"`
}

// ListResponse wraps collection responses. Cached is set on admin views
// served from the aggregation cache.
type ListResponse struct {
	Items  any  `json:"items"`
	Count  int  `json:"count"`
	Cached bool `json:"cached"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

// NoticeResponse answers an operation that had already been applied.
type NoticeResponse struct {
	Notice string `json:"notice"`
	Kind   string `json:"kind"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// parseDecimal parses an optional decimal field; empty means zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ledger.ValidationError{Field: field, Reason: "must be a decimal number"}
	}
	return d, nil
}

func parseDecimalPtr(field string, s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(field, *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func toUserDTO(u ledger.User) UserDTO {
	return UserDTO{
		ID:            string(u.ID),
		Name:          u.Name,
		Phone:         u.Phone,
		Role:          string(u.Role),
		WalletBalance: u.WalletBalance.Value.String(),
		FeePercentage: u.FeePercentage.String(),
		DebtThreshold: u.DebtThreshold.Value.String(),
		IsActive:      u.IsActive,
		CreatedAt:     formatTime(u.CreatedAt),
	}
}

func toDebtStatusDTO(d ledger.DebtStatus) DebtStatusDTO {
	return DebtStatusDTO{
		UserID:          string(d.UserID),
		CanSend:         d.CanSend,
		CurrentDebt:     d.CurrentDebt.Value.String(),
		Threshold:       d.Threshold.Value.String(),
		RemainingCredit: d.RemainingCredit.Value.String(),
		Currency:        string(d.CurrentDebt.Currency),
	}
}

func toUserOverviewDTOs(rows []ledger.UserOverview) []UserOverviewDTO {
	dtos := make([]UserOverviewDTO, len(rows))
	for i, r := range rows {
		dtos[i] = UserOverviewDTO{UserDTO: toUserDTO(r.User), Debt: toDebtStatusDTO(r.Debt)}
	}
	return dtos
}

func toClientDTO(c ledger.Client) ClientDTO {
	return ClientDTO{
		ID:            string(c.ID),
		UserID:        string(c.UserID),
		Name:          c.Name,
		Phone:         c.Phone,
		BalanceExempt: c.BalanceExempt,
		CreatedAt:     formatTime(c.CreatedAt),
	}
}

func toClientDTOs(cs []ledger.Client) []ClientDTO {
	dtos := make([]ClientDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toClientDTO(c)
	}
	return dtos
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                      string(tx.ID),
		UserID:                  string(tx.UserID),
		ClientID:                string(tx.ClientID),
		PhoneNumber:             tx.PhoneNumber,
		AmountSource:            tx.AmountSource.Value.String(),
		AmountSettlement:        tx.AmountSettlement.Value.String(),
		FeeAmount:               tx.FeeAmount.Value.String(),
		AmountToPay:             tx.AmountToPay.Value.String(),
		FeePercentage:           tx.FeePercentage.String(),
		ExchangeRate:            tx.ExchangeRate.String(),
		BalanceExempt:           tx.BalanceExempt,
		Status:                  string(tx.Status),
		IsDeleted:               tx.IsDeleted,
		DeletedAt:               formatTimePtr(tx.DeletedAt),
		DeletedBy:               string(tx.DeletedBy),
		CancellationRequested:   tx.CancellationRequested,
		CancellationRequestedAt: formatTimePtr(tx.CancellationRequestedAt),
		CancellationReason:      tx.CancellationReason,
		CreatedAt:               formatTime(tx.CreatedAt),
		UpdatedAt:               formatTime(tx.UpdatedAt),
	}
	if !tx.Proof.IsEmpty() {
		dto.Proof = &ProofDTO{Images: tx.Proof.Images, ExternalRef: tx.Proof.ExternalRef}
	}
	return dto
}

func toEnrichedDTO(row ledger.EnrichedTransaction) TransactionDTO {
	dto := toTransactionDTO(row.Transaction)
	dto.UserName = row.UserName
	dto.ClientName = row.ClientName
	return dto
}

func toEnrichedDTOs(rows []ledger.EnrichedTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(rows))
	for i, r := range rows {
		dtos[i] = toEnrichedDTO(r)
	}
	return dtos
}

func toCandidateDTOs(cs []ledger.Candidate) []CandidateDTO {
	dtos := make([]CandidateDTO, len(cs))
	for i, c := range cs {
		dtos[i] = CandidateDTO{
			TransactionDTO: toEnrichedDTO(c.EnrichedTransaction),
			Reason:         string(c.Reason),
			AgeSeconds:     int64(c.Age.Seconds()),
		}
	}
	return dtos
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		UserID:      string(p.UserID),
		Amount:      p.Amount.Value.String(),
		ValidatedBy: string(p.ValidatedBy),
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

func toPaymentDTOs(ps []ledger.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toSettingsDTO(s ledger.Settings) SettingsDTO {
	return SettingsDTO{
		ExchangeRate: s.ExchangeRate.String(),
		MainBalance:  s.MainBalance.Value.String(),
		UpdatedAt:    formatTime(s.UpdatedAt),
	}
}

func toDeleteResponse(res ledger.DeleteResult) DeleteTransactionResponse {
	resp := DeleteTransactionResponse{
		Outcome:         string(res.Outcome),
		BalanceRestored: res.BalanceRestored,
		Transaction:     toTransactionDTO(res.Transaction),
	}
	if res.BalanceRestored {
		resp.RestoredAmount = res.RestoredAmount.Value.String()
	}
	if res.AlreadyApplied() {
		resp.Notice = "already applied: " + string(res.Outcome)
	}
	return resp
}
