/*
events.go - Notification event catalog

PURPOSE:
  Every state change the core announces, as a closed set of payload types.
  An Event pairs a discriminant (Kind) with exactly one typed payload, so
  consumers switch exhaustively on known kinds and skip the rest.

WIRE FORMAT:
  {"event": "<kind>", "data": {...payload...}, "at": "<RFC3339>"}

  DecodeEvent maps unknown kinds to an Unknown payload instead of failing,
  so older receivers keep working when the catalog grows.

TARGETS:
  Target{Role: admin, UserID: ""}  broadcast to every connected administrator
  Target{Role: user,  UserID: id}  only that user's channel, dropped if offline

SEE ALSO:
  - notify/hub.go: Delivers events to registered channels
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// KINDS
// =============================================================================

type EventKind string

const (
	EventTransactionCreated    EventKind = "transaction_created"
	EventTransactionUpdated    EventKind = "transaction_updated"
	EventTransactionValidated  EventKind = "transaction_validated"
	EventTransactionDeleted    EventKind = "transaction_deleted"
	EventCancellationRequested EventKind = "cancellation_requested"
	EventProofSubmitted        EventKind = "proof_submitted"
	EventFeePercentageChanged  EventKind = "fee_percentage_changed"
	EventBalanceAdjusted       EventKind = "balance_adjusted"
	EventSettingsUpdated       EventKind = "settings_updated"
	EventPaymentRecorded       EventKind = "payment_recorded"
	EventCacheRefresh          EventKind = "cache_refresh"
)

// Payload is implemented only by the event types in this file.
type Payload interface {
	Kind() EventKind
	sealed()
}

type Event struct {
	Kind    EventKind
	Payload Payload
	At      time.Time
}

func NewEvent(p Payload, at time.Time) Event {
	return Event{Kind: p.Kind(), Payload: p, At: at.UTC()}
}

// Target addresses an event. An admin target with no user is a broadcast.
type Target struct {
	Role   Role
	UserID UserID
}

func AdminBroadcast() Target       { return Target{Role: RoleAdmin} }
func ToUser(id UserID) Target      { return Target{Role: RoleUser, UserID: id} }
func ToAdmin(id UserID) Target     { return Target{Role: RoleAdmin, UserID: id} }
func (t Target) IsBroadcast() bool { return t.Role == RoleAdmin && t.UserID == "" }

// =============================================================================
// PAYLOADS
// =============================================================================

// TransactionPayload is the wire view of a transaction. Amounts are decimal
// strings so receivers never round through floats.
type TransactionPayload struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	ClientID              string    `json:"client_id,omitempty"`
	PhoneNumber           string    `json:"phone_number"`
	AmountSource          string    `json:"amount_source"`
	AmountSettlement      string    `json:"amount_settlement"`
	FeeAmount             string    `json:"fee_amount"`
	AmountToPay           string    `json:"amount_to_pay"`
	FeePercentage         string    `json:"fee_percentage"`
	ExchangeRate          string    `json:"exchange_rate"`
	Status                string    `json:"status"`
	IsDeleted             bool      `json:"is_deleted"`
	CancellationRequested bool      `json:"cancellation_requested"`
	CancellationReason    string    `json:"cancellation_reason,omitempty"`
	ProofImages           int       `json:"proof_images"`
	ProofExternalRef      string    `json:"proof_external_ref,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func TransactionPayloadOf(tx Transaction) TransactionPayload {
	return TransactionPayload{
		ID:                    string(tx.ID),
		UserID:                string(tx.UserID),
		ClientID:              string(tx.ClientID),
		PhoneNumber:           tx.PhoneNumber,
		AmountSource:          tx.AmountSource.Value.String(),
		AmountSettlement:      tx.AmountSettlement.Value.String(),
		FeeAmount:             tx.FeeAmount.Value.String(),
		AmountToPay:           tx.AmountToPay.Value.String(),
		FeePercentage:         tx.FeePercentage.String(),
		ExchangeRate:          tx.ExchangeRate.String(),
		Status:                string(tx.Status),
		IsDeleted:             tx.IsDeleted,
		CancellationRequested: tx.CancellationRequested,
		CancellationReason:    tx.CancellationReason,
		ProofImages:           len(tx.Proof.Images),
		ProofExternalRef:      tx.Proof.ExternalRef,
		CreatedAt:             tx.CreatedAt,
		UpdatedAt:             tx.UpdatedAt,
	}
}

type TransactionCreated struct {
	Transaction TransactionPayload `json:"transaction"`
}

type TransactionUpdated struct {
	Transaction    TransactionPayload `json:"transaction"`
	PreviousStatus string             `json:"previous_status"`
}

type TransactionValidated struct {
	Transaction TransactionPayload `json:"transaction"`
}

type TransactionDeleted struct {
	TransactionID   string `json:"transaction_id"`
	UserID          string `json:"user_id"`
	Permanent       bool   `json:"permanent"`
	BalanceRestored bool   `json:"balance_restored"`
	RestoredAmount  string `json:"restored_amount"`
}

type CancellationRequested struct {
	Transaction TransactionPayload `json:"transaction"`
	Reason      string             `json:"reason"`
}

type ProofSubmitted struct {
	Transaction TransactionPayload `json:"transaction"`
	ProofCount  int                `json:"proof_count"`
}

type FeePercentageChanged struct {
	UserID   string `json:"user_id"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

type BalanceAdjusted struct {
	Direction        string `json:"direction"`
	UserID           string `json:"user_id,omitempty"`
	SourceAmount     string `json:"source_amount"`
	SettlementAmount string `json:"settlement_amount"`
	MainBalance      string `json:"main_balance"`
	WalletBalance    string `json:"wallet_balance,omitempty"`
}

type SettingsUpdated struct {
	ExchangeRate string `json:"exchange_rate"`
	MainBalance  string `json:"main_balance"`
}

type PaymentRecorded struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	CurrentDebt string `json:"current_debt"`
}

// CacheRefresh hints receivers to refetch the named views.
type CacheRefresh struct {
	Keys []string `json:"keys"`
}

// Unknown carries a kind this build does not know about.
type Unknown struct {
	Type string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (TransactionCreated) Kind() EventKind    { return EventTransactionCreated }
func (TransactionUpdated) Kind() EventKind    { return EventTransactionUpdated }
func (TransactionValidated) Kind() EventKind  { return EventTransactionValidated }
func (TransactionDeleted) Kind() EventKind    { return EventTransactionDeleted }
func (CancellationRequested) Kind() EventKind { return EventCancellationRequested }
func (ProofSubmitted) Kind() EventKind        { return EventProofSubmitted }
func (FeePercentageChanged) Kind() EventKind  { return EventFeePercentageChanged }
func (BalanceAdjusted) Kind() EventKind       { return EventBalanceAdjusted }
func (SettingsUpdated) Kind() EventKind       { return EventSettingsUpdated }
func (PaymentRecorded) Kind() EventKind       { return EventPaymentRecorded }
func (CacheRefresh) Kind() EventKind          { return EventCacheRefresh }
func (u Unknown) Kind() EventKind             { return EventKind(u.Type) }

func (TransactionCreated) sealed()    {}
func (TransactionUpdated) sealed()    {}
func (TransactionValidated) sealed()  {}
func (TransactionDeleted) sealed()    {}
func (CancellationRequested) sealed() {}
func (ProofSubmitted) sealed()        {}
func (FeePercentageChanged) sealed()  {}
func (BalanceAdjusted) sealed()       {}
func (SettingsUpdated) sealed()       {}
func (PaymentRecorded) sealed()       {}
func (CacheRefresh) sealed()          {}
func (Unknown) sealed()               {}

// =============================================================================
// WIRE CODEC
// =============================================================================

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

func MarshalEvent(ev Event) ([]byte, error) {
	var data json.RawMessage
	if u, ok := ev.Payload.(Unknown); ok {
		data = u.Raw
	} else {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
		}
		data = raw
	}
	return json.Marshal(envelope{Event: string(ev.Kind), Data: data, At: ev.At})
}

func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	p, known := newPayload(EventKind(env.Event))
	if !known {
		return Event{Kind: EventKind(env.Event), Payload: Unknown{Type: env.Event, Raw: env.Data}, At: env.At}, nil
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
	}
	return Event{Kind: EventKind(env.Event), Payload: derefPayload(p), At: env.At}, nil
}

func newPayload(kind EventKind) (any, bool) {
	switch kind {
	case EventTransactionCreated:
		return &TransactionCreated{}, true
	case EventTransactionUpdated:
		return &TransactionUpdated{}, true
	case EventTransactionValidated:
		return &TransactionValidated{}, true
	case EventTransactionDeleted:
		return &TransactionDeleted{}, true
	case EventCancellationRequested:
		return &CancellationRequested{}, true
	case EventProofSubmitted:
		return &ProofSubmitted{}, true
	case EventFeePercentageChanged:
		return &FeePercentageChanged{}, true
	case EventBalanceAdjusted:
		return &BalanceAdjusted{}, true
	case EventSettingsUpdated:
		return &SettingsUpdated{}, true
	case EventPaymentRecorded:
		return &PaymentRecorded{}, true
	case EventCacheRefresh:
		return &CacheRefresh{}, true
	}
	return nil, false
}

func derefPayload(p any) Payload {
	switch v := p.(type) {
	case *TransactionCreated:
		return *v
	case *TransactionUpdated:
		return *v
	case *TransactionValidated:
		return *v
	case *TransactionDeleted:
		return *v
	case *CancellationRequested:
		return *v
	case *ProofSubmitted:
		return *v
	case *FeePercentageChanged:
		return *v
	case *BalanceAdjusted:
		return *v
	case *SettingsUpdated:
		return *v
	case *PaymentRecorded:
		return *v
	case *CacheRefresh:
		return *v
	}
	return Unknown{}
}
