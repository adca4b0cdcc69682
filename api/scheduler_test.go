package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (c *recordingChannel) Send(ev ledger.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) refreshes() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]string
	for _, ev := range c.events {
		if r, ok := ev.Payload.(ledger.CacheRefresh); ok {
			out = append(out, r.Keys)
		}
	}
	return out
}

func TestCandidateSweeper_BroadcastsOnChange(t *testing.T) {
	// GIVEN: an admin channel and a sweeper over an empty ledger
	// WHEN: a cancellation request appears between sweeps
	// THEN: only the sweep that sees the change broadcasts a refresh

	ts := newTestServer(t)
	ts.loadScenario(t, "starter")
	ch := &recordingChannel{}
	ts.hub.Register(testAdmin, ch)
	sweeper := NewCandidateSweeper(ts.handler.Service, nil)
	ctx := context.Background()

	assert.False(t, sweeper.RunNow(ctx), "empty set is not a change")

	_, body := ts.send(t, aminata, ts.clientOf(t, aminata, false), "1000")
	var tx TransactionDTO
	decode(t, body, &tx)
	seen := "seen"
	_, _ = ts.call(t, testAdmin, http.MethodPatch, "/api/transactions/"+tx.ID, UpdateTransactionRequest{Status: &seen})
	assert.False(t, sweeper.RunNow(ctx), "a fresh seen transaction is not a candidate")

	status, _ := ts.call(t, aminata, http.MethodDelete, "/api/transactions/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, status)

	assert.True(t, sweeper.RunNow(ctx))
	assert.False(t, sweeper.RunNow(ctx), "unchanged set is quiet")
	assert.Equal(t, [][]string{{CandidatesView}}, ch.refreshes())
}

func TestCandidateSweeper_StartStop(t *testing.T) {
	ts := newTestServer(t)
	sweeper := NewCandidateSweeper(ts.handler.Service, nil)
	sweeper.CheckInterval = 10 * time.Millisecond

	sweeper.Start()
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()

	sweeper.Enabled = false
	sweeper.Start()
	assert.Nil(t, sweeper.ticker, "a disabled sweeper does not start")
}

func TestCandidateSignature_IgnoresOrderAndAge(t *testing.T) {
	a := ledger.Candidate{Reason: ledger.ReasonRequested, Age: time.Hour}
	a.ID = "t1"
	b := ledger.Candidate{Reason: ledger.ReasonUninspected, Age: time.Minute}
	b.ID = "t2"
	older := a
	older.Age = 5 * time.Hour

	assert.Equal(t, candidateSignature([]ledger.Candidate{a, b}), candidateSignature([]ledger.Candidate{b, older}))
	assert.NotEqual(t, candidateSignature([]ledger.Candidate{a}), candidateSignature([]ledger.Candidate{b}))
}
