package ledger

import (
	"sort"
	"time"
)

// =============================================================================
// CANCELLATION CANDIDATES - derived view, never stored
// =============================================================================

type CandidatePolicy struct {
	PendingAge time.Duration // uninspected for longer than this
	SeenAge    time.Duration // seen but no proof for longer than this
	ProofAge   time.Duration // proof submitted but not validated for longer than this
}

func DefaultCandidatePolicy() CandidatePolicy {
	return CandidatePolicy{PendingAge: 72 * time.Hour, SeenAge: 48 * time.Hour, ProofAge: 24 * time.Hour}
}

type CandidateReason string

const (
	ReasonRequested    CandidateReason = "cancellation_requested"
	ReasonUninspected  CandidateReason = "uninspected"
	ReasonStalledSeen  CandidateReason = "stalled_seen"
	ReasonStalledProof CandidateReason = "stalled_proof"
)

type Candidate struct {
	EnrichedTransaction
	Reason CandidateReason
	Age    time.Duration
}

// CancellationCandidate classifies a single transaction at instant now.
// Age is measured from CreatedAt. A zero threshold disables that rule.
func CancellationCandidate(tx Transaction, now time.Time, pol CandidatePolicy) (CandidateReason, bool) {
	if tx.IsDeleted || tx.Status == StatusCancelled {
		return "", false
	}
	if tx.CancellationRequested {
		return ReasonRequested, true
	}
	age := now.Sub(tx.CreatedAt)
	switch tx.Status {
	case StatusPending:
		if pol.PendingAge > 0 && age > pol.PendingAge {
			return ReasonUninspected, true
		}
	case StatusSeen:
		if pol.SeenAge > 0 && age > pol.SeenAge {
			return ReasonStalledSeen, true
		}
	case StatusProofSubmitted:
		if pol.ProofAge > 0 && age > pol.ProofAge {
			return ReasonStalledProof, true
		}
	}
	return "", false
}

// CancellationCandidates filters rows down to candidates, oldest first.
func CancellationCandidates(rows []EnrichedTransaction, now time.Time, pol CandidatePolicy) []Candidate {
	out := []Candidate{}
	for _, row := range rows {
		reason, ok := CancellationCandidate(row.Transaction, now, pol)
		if !ok {
			continue
		}
		out = append(out, Candidate{EnrichedTransaction: row, Reason: reason, Age: now.Sub(row.CreatedAt)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
