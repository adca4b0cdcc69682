package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

func TestCancellationCandidate_Rules(t *testing.T) {
	pol := ledger.DefaultCandidatePolicy()
	now := epoch.Add(100 * time.Hour)

	tests := []struct {
		name   string
		tx     ledger.Transaction
		reason ledger.CandidateReason
		ok     bool
	}{
		{"fresh pending", ledger.Transaction{Status: ledger.StatusPending, CreatedAt: now.Add(-time.Hour)}, "", false},
		{"old pending", ledger.Transaction{Status: ledger.StatusPending, CreatedAt: now.Add(-73 * time.Hour)}, ledger.ReasonUninspected, true},
		{"pending exactly at threshold", ledger.Transaction{Status: ledger.StatusPending, CreatedAt: now.Add(-72 * time.Hour)}, "", false},
		{"stalled seen", ledger.Transaction{Status: ledger.StatusSeen, CreatedAt: now.Add(-49 * time.Hour)}, ledger.ReasonStalledSeen, true},
		{"stalled proof", ledger.Transaction{Status: ledger.StatusProofSubmitted, CreatedAt: now.Add(-25 * time.Hour)}, ledger.ReasonStalledProof, true},
		{"validated never", ledger.Transaction{Status: ledger.StatusValidated, CreatedAt: epoch}, "", false},
		{"cancelled never", ledger.Transaction{Status: ledger.StatusCancelled, CancellationRequested: true}, "", false},
		{"deleted never", ledger.Transaction{Status: ledger.StatusPending, IsDeleted: true, CreatedAt: epoch}, "", false},
		{"requested always", ledger.Transaction{Status: ledger.StatusSeen, CancellationRequested: true, CreatedAt: now}, ledger.ReasonRequested, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := ledger.CancellationCandidate(tt.tx, now, pol)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCancellationCandidate_ZeroThresholdDisablesRule(t *testing.T) {
	tx := ledger.Transaction{Status: ledger.StatusPending, CreatedAt: epoch}

	_, ok := ledger.CancellationCandidate(tx, epoch.Add(1000*time.Hour), ledger.CandidatePolicy{})

	assert.False(t, ok)
}

func TestService_CancellationCandidatesAgeWithClock(t *testing.T) {
	// GIVEN: one transaction left pending and one with a cancellation request
	// WHEN: the clock moves past the pending threshold
	// THEN: both appear, oldest first, with their reasons

	f := newFixture(t)
	f.addUser(t, alice)
	stale := f.send(t, alice, "", 1000)
	f.clock.Advance(time.Hour)
	requested := f.send(t, alice, "", 1000)
	f.setStatus(t, admin, requested.ID, ledger.StatusSeen)
	_, err := f.svc.DeleteTransaction(context.Background(), alice, requested.ID, ledger.DeleteOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	got, err := f.svc.CancellationCandidates(ctx, admin)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, requested.ID, got[0].ID)
	assert.Equal(t, ledger.ReasonRequested, got[0].Reason)

	f.clock.Advance(72 * time.Hour)
	got, err = f.svc.CancellationCandidates(ctx, admin)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, stale.ID, got[0].ID)
	assert.Equal(t, ledger.ReasonUninspected, got[0].Reason)
	assert.Equal(t, 73*time.Hour, got[0].Age)

	_, err = f.svc.CancellationCandidates(ctx, alice)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}
