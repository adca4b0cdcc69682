/*
lifecycle.go - Transaction status transitions and deletion authority

PURPOSE:
  Governs which actor may move a transaction between statuses and how a
  delete request is interpreted depending on who asks and what state the
  transaction is in.

STATE MACHINE:
  pending ──(admin)──> seen ──(owner + proof)──> proof_submitted ──(admin)──> validated
     │                  │                              │
     └──────────────────┴──────────(admin)─────────────┴──> cancelled

  proof_submitted accepts further proof from the owner (replace or append).
  Validation confirms delivery only; the amount stays in the owner's debt
  until a payment is recorded.

DELETION TIERS:
  1. Owner, status pending       -> soft delete, restore main balance
  2. Owner, status != pending    -> cancellationRequested = true, no balance effect
  3. Admin, live transaction     -> soft delete, restore main balance only when
                                    status was pending or seen
  4. Admin, soft-deleted + permanent flag -> purge, no balance effect

  Restoration never happens for balance-exempt counterparties. A repeated
  delete observes the current row and reports "already deleted" without
  touching any balance.

ROW ATOMICITY:
  Every write goes through UpdateTransaction with the precondition read in
  the same unit. A concurrent writer that got there first makes the loser
  fail with a ConflictError instead of double-applying.

SEE ALSO:
  - candidate.go: Derived cancellation-candidate view
  - proof.go: Proof payload validation
*/
package ledger

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// TRANSITION RULES (pure)
// =============================================================================

// CheckTransition validates a status-only transition requested by p.
func CheckTransition(p Principal, tx Transaction, to Status) error {
	if !to.Valid() {
		return invalid("status", "unknown status "+string(to))
	}
	if tx.IsDeleted {
		return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: to}
	}
	if tx.Status == to {
		return &ConflictError{Kind: "transaction", ID: string(tx.ID), Reason: "already " + string(to)}
	}

	switch to {
	case StatusSeen:
		if !p.IsAdmin() {
			return forbidden("mark transaction seen", "administrator only")
		}
		if tx.Status != StatusPending {
			return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: to}
		}
	case StatusValidated:
		if !p.IsAdmin() {
			return forbidden("validate transaction", "administrator only")
		}
		if tx.Status != StatusProofSubmitted {
			return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: to}
		}
	case StatusCancelled:
		if !p.IsAdmin() {
			return forbidden("cancel transaction", "administrator only")
		}
		if tx.Status.Terminal() {
			return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: to}
		}
	case StatusProofSubmitted:
		return invalid("proof", "is required to submit proof")
	default:
		return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: to}
	}
	return nil
}

// CheckProofSubmission validates that p may attach proof to tx.
func CheckProofSubmission(p Principal, tx Transaction) error {
	if tx.UserID != p.UserID {
		return forbidden("submit proof", "only the owner attaches proof")
	}
	if tx.IsDeleted || (tx.Status != StatusSeen && tx.Status != StatusProofSubmitted) {
		return &InvalidTransitionError{ID: tx.ID, From: tx.Status, To: StatusProofSubmitted}
	}
	return nil
}

// restoresMainBalance reports whether deleting tx gives its settlement amount
// back to the main balance.
func restoresMainBalance(tx Transaction, byAdmin bool) bool {
	if tx.BalanceExempt {
		return false
	}
	if byAdmin {
		return tx.Status == StatusPending || tx.Status == StatusSeen
	}
	return tx.Status == StatusPending
}

// =============================================================================
// UPDATE STATUS
// =============================================================================

type UpdateTransactionInput struct {
	Status *Status
	Proof  *ProofSubmission
}

func (s *Service) UpdateTransactionStatus(ctx context.Context, p Principal, id TransactionID, in UpdateTransactionInput) (Transaction, error) {
	if in.Status == nil && in.Proof == nil {
		return Transaction{}, invalid("", "status or proof is required")
	}
	if in.Proof != nil {
		if in.Status != nil && *in.Status != StatusProofSubmitted {
			return Transaction{}, invalid("status", "must be proof_submitted when proof is attached")
		}
		if err := s.policy.Proof.Validate(*in.Proof); err != nil {
			return Transaction{}, err
		}
	}

	var before, after Transaction
	err := s.store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsAdmin() && tx.UserID != p.UserID {
			return forbidden("update transaction", "not the owner")
		}
		before, after = tx, tx

		if in.Proof != nil {
			if err := CheckProofSubmission(p, tx); err != nil {
				return err
			}
			after.Proof = in.Proof.Apply(tx.Proof)
			if err := s.policy.Proof.ValidateStored(after.Proof); err != nil {
				return err
			}
			after.Status = StatusProofSubmitted
		} else {
			if err := CheckTransition(p, tx, *in.Status); err != nil {
				return err
			}
			after.Status = *in.Status
		}
		after.UpdatedAt = s.now()
		return s.writeTransaction(ctx, st, after, PreconditionOf(tx))
	})
	if err != nil {
		return Transaction{}, internal("update transaction", err)
	}

	s.logger.Info("transaction status changed",
		zap.String("transaction_id", string(id)),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("actor", string(p.UserID)))

	s.invalidate(ViewTransactions)
	payload := TransactionPayloadOf(after)
	var ev Event
	switch {
	case in.Proof != nil:
		ev = NewEvent(ProofSubmitted{Transaction: payload, ProofCount: len(after.Proof.Images)}, s.now())
	case after.Status == StatusValidated:
		ev = NewEvent(TransactionValidated{Transaction: payload}, s.now())
	default:
		ev = NewEvent(TransactionUpdated{Transaction: payload, PreviousStatus: string(before.Status)}, s.now())
	}
	s.publish(ctx, ev, AdminBroadcast(), ToUser(after.UserID))
	return after, nil
}

// writeTransaction applies a conditional update and turns a lost race into a
// ConflictError describing the winner's state.
func (s *Service) writeTransaction(ctx context.Context, st Store, tx Transaction, expect Precondition) error {
	err := st.UpdateTransaction(ctx, tx, expect)
	if errors.Is(err, ErrStaleWrite) {
		current, gerr := st.GetTransaction(ctx, tx.ID)
		if gerr != nil {
			return gerr
		}
		return &ConflictError{
			Kind:   "transaction",
			ID:     string(tx.ID),
			Reason: "changed concurrently, now " + string(current.Status),
		}
	}
	return err
}

// =============================================================================
// DELETE
// =============================================================================

type DeleteOutcome string

const (
	OutcomeDeleted                      DeleteOutcome = "deleted"
	OutcomeCancellationRequested        DeleteOutcome = "cancellation_requested"
	OutcomePurged                       DeleteOutcome = "purged"
	OutcomeAlreadyDeleted               DeleteOutcome = "already_deleted"
	OutcomeCancellationAlreadyRequested DeleteOutcome = "cancellation_already_requested"
)

type DeleteOptions struct {
	// Permanent asks an administrator's delete of a soft-deleted row to purge it.
	Permanent bool
	Reason    string
}

type DeleteResult struct {
	Transaction     Transaction
	Outcome         DeleteOutcome
	BalanceRestored bool
	RestoredAmount  Money
}

// AlreadyApplied reports an idempotent repeat that changed nothing.
func (r DeleteResult) AlreadyApplied() bool {
	return r.Outcome == OutcomeAlreadyDeleted || r.Outcome == OutcomeCancellationAlreadyRequested
}

func (s *Service) DeleteTransaction(ctx context.Context, p Principal, id TransactionID, opts DeleteOptions) (DeleteResult, error) {
	var res DeleteResult
	err := s.store.WithTx(ctx, func(st Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsAdmin() && tx.UserID != p.UserID {
			return forbidden("delete transaction", "not the owner")
		}
		res = DeleteResult{Transaction: tx}
		if opts.Permanent && !p.IsAdmin() {
			return forbidden("purge transaction", "administrator only")
		}

		if tx.IsDeleted {
			if !opts.Permanent {
				res.Outcome = OutcomeAlreadyDeleted
				return nil
			}
			res.Outcome = OutcomePurged
			return st.PurgeTransaction(ctx, id)
		}
		if opts.Permanent {
			return invalid("permanent", "transaction must be soft-deleted first")
		}

		now := s.now()
		if !p.IsAdmin() && tx.Status != StatusPending {
			if tx.CancellationRequested {
				res.Outcome = OutcomeCancellationAlreadyRequested
				return nil
			}
			updated := tx
			updated.CancellationRequested = true
			updated.CancellationRequestedAt = frozenAt(now)
			updated.CancellationReason = cancellationReason(opts.Reason)
			updated.UpdatedAt = now
			if err := s.writeTransaction(ctx, st, updated, PreconditionOf(tx)); err != nil {
				return err
			}
			res.Transaction = updated
			res.Outcome = OutcomeCancellationRequested
			return nil
		}

		updated := tx
		updated.IsDeleted = true
		updated.DeletedAt = frozenAt(now)
		updated.DeletedBy = p.UserID
		updated.UpdatedAt = now
		if err := s.writeTransaction(ctx, st, updated, PreconditionOf(tx)); err != nil {
			return err
		}
		if restoresMainBalance(tx, p.IsAdmin()) {
			if err := st.AdjustMainBalance(ctx, tx.AmountSettlement.Value); err != nil {
				return err
			}
			res.BalanceRestored = true
			res.RestoredAmount = tx.AmountSettlement
		}
		res.Transaction = updated
		res.Outcome = OutcomeDeleted
		return nil
	})
	if err != nil {
		return DeleteResult{}, internal("delete transaction", err)
	}

	s.logger.Info("transaction delete handled",
		zap.String("transaction_id", string(id)),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("balance_restored", res.BalanceRestored),
		zap.String("actor", string(p.UserID)))

	if res.AlreadyApplied() {
		return res, nil
	}

	if res.BalanceRestored {
		s.invalidate(ViewTransactions, ViewUsers, ViewSettings)
	} else {
		s.invalidate(ViewTransactions, ViewUsers)
	}

	var ev Event
	if res.Outcome == OutcomeCancellationRequested {
		ev = NewEvent(CancellationRequested{
			Transaction: TransactionPayloadOf(res.Transaction),
			Reason:      res.Transaction.CancellationReason,
		}, s.now())
	} else {
		ev = NewEvent(TransactionDeleted{
			TransactionID:   string(id),
			UserID:          string(res.Transaction.UserID),
			Permanent:       res.Outcome == OutcomePurged,
			BalanceRestored: res.BalanceRestored,
			RestoredAmount:  res.RestoredAmount.Value.String(),
		}, s.now())
	}
	s.publish(ctx, ev, AdminBroadcast(), ToUser(res.Transaction.UserID))
	return res, nil
}

func cancellationReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "cancellation requested by owner"
	}
	return reason
}
