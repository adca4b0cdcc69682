/*
scheduler.go - Cancellation candidate sweeper

PURPOSE:
  Periodically recomputes the cancellation candidate set (transactions an
  administrator should look at: requested cancellations and rows stalled
  in pending, seen or proof_submitted) and tells connected administrators
  to refresh when the set changes.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads through the service, so it shares the cached transactions view
  - Broadcasts a cache_refresh hint only when the set differs from the
    previous sweep; nothing is written

CONFIGURATION:
  - CheckInterval: How often to check (scheduler.interval, default 1m)
  - Enabled: Whether the sweeper is active (scheduler.enabled)

USAGE:
  sweeper := NewCandidateSweeper(service, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/candidate.go: Candidate rules
  - handlers.go: CancellationCandidates endpoint
*/
package api

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// CandidatesView is the refresh key broadcast when the candidate set changes.
const CandidatesView = "transactions:candidates"

// sweeperPrincipal is the identity the sweeper reads with.
var sweeperPrincipal = ledger.Principal{UserID: "system:sweeper", Role: ledger.RoleAdmin}

// CandidateSweeper watches the cancellation candidate set.
type CandidateSweeper struct {
	Service       *ledger.Service
	CheckInterval time.Duration
	Enabled       bool

	logger  *zap.Logger
	sweepMu sync.Mutex
	last    string
	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewCandidateSweeper creates a new sweeper.
func NewCandidateSweeper(svc *ledger.Service, logger *zap.Logger) *CandidateSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateSweeper{
		Service:       svc,
		CheckInterval: time.Minute,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the sweeper.
func (cs *CandidateSweeper) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.logger.Info("candidate sweeper disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan bool)
	cs.wg.Add(1)

	go cs.run()

	cs.logger.Info("candidate sweeper started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the sweeper.
func (cs *CandidateSweeper) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.logger.Info("candidate sweeper stopped")
	}
}

func (cs *CandidateSweeper) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.RunNow(context.Background())

	for {
		select {
		case <-cs.ticker.C:
			cs.RunNow(context.Background())
		case <-cs.stop:
			return
		}
	}
}

// RunNow performs one sweep and reports whether a refresh was broadcast.
func (cs *CandidateSweeper) RunNow(ctx context.Context) bool {
	cs.sweepMu.Lock()
	defer cs.sweepMu.Unlock()

	candidates, err := cs.Service.CancellationCandidates(ctx, sweeperPrincipal)
	if err != nil {
		cs.logger.Warn("candidate sweep failed", zap.Error(err))
		return false
	}

	sig := candidateSignature(candidates)
	if sig == cs.last {
		return false
	}
	cs.last = sig

	cs.logger.Info("cancellation candidates changed", zap.Int("count", len(candidates)))
	cs.Service.Broadcast(ctx, ledger.NewEvent(ledger.CacheRefresh{Keys: []string{CandidatesView}}, cs.Service.Now()))
	return true
}

// candidateSignature identifies a candidate set independent of order and age.
func candidateSignature(cs []ledger.Candidate) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c.ID) + "=" + string(c.Reason)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
