/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:
	Each scenario must leave the ledger in the state its description
	promises, and loading one must replace whatever was there before.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	var list []ScenarioDTO
	status, body := ts.call(t, aminata, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, status)
	decode(t, body, &list)

	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"starter", "debt-limit", "cancellations"}, ids)
}

func TestLoadScenario_Guards(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.call(t, aminata, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "starter"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := ts.call(t, testAdmin, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "nope")
}

func TestLoadScenario_Starter(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "starter")

	var users struct {
		Items []UserOverviewDTO `json:"items"`
		Count int               `json:"count"`
	}
	status, body := ts.call(t, testAdmin, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, status)
	decode(t, body, &users)
	assert.Equal(t, 3, users.Count)

	byID := make(map[string]UserOverviewDTO, len(users.Items))
	for _, u := range users.Items {
		byID[u.ID] = u
	}
	assert.Equal(t, "admin", byID[string(testAdmin.UserID)].Role)
	assert.Equal(t, "2000000", byID[string(seedSenderA)].WalletBalance)
	assert.Equal(t, "1000000", byID[string(seedSenderB)].WalletBalance)
	assert.Equal(t, "100000", byID[string(seedSenderA)].Debt.RemainingCredit)

	var clients ListResponse
	_, body = ts.call(t, testAdmin, http.MethodGet, "/api/clients", nil)
	decode(t, body, &clients)
	assert.Equal(t, 3, clients.Count)
}

func TestLoadScenario_ReplacesPreviousState(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "debt-limit")
	ts.loadScenario(t, "starter")

	var list ListResponse
	_, body := ts.call(t, testAdmin, http.MethodGet, "/api/transactions", nil)
	decode(t, body, &list)
	assert.Equal(t, 0, list.Count)

	var debt DebtStatusDTO
	_, body = ts.call(t, aminata, http.MethodGet, "/api/me/debt", nil)
	decode(t, body, &debt)
	assert.Equal(t, "0", debt.CurrentDebt)
}

func TestLoadScenario_DebtLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "debt-limit")

	var debt DebtStatusDTO
	_, body := ts.call(t, aminata, http.MethodGet, "/api/me/debt", nil)
	decode(t, body, &debt)
	assert.Equal(t, "99000", debt.CurrentDebt)
	assert.True(t, debt.CanSend)

	// Two regular transfers debit the main balance, the exempt one does not.
	var settings SettingsDTO
	_, body = ts.call(t, testAdmin, http.MethodGet, "/api/settings", nil)
	decode(t, body, &settings)
	assert.Equal(t, "1800000", settings.MainBalance)
}

func TestLoadScenario_Cancellations(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "cancellations")

	rows, err := ts.handler.Service.ListMyTransactions(context.Background(), aminata)
	require.NoError(t, err)

	statuses := make(map[ledger.Status]int)
	requested := 0
	for _, r := range rows {
		statuses[r.Status]++
		if r.CancellationRequested {
			requested++
		}
	}
	for _, st := range []ledger.Status{ledger.StatusPending, ledger.StatusSeen, ledger.StatusProofSubmitted, ledger.StatusValidated, ledger.StatusCancelled} {
		assert.Positive(t, statuses[st], "no %s transaction", st)
	}
	assert.Equal(t, 1, requested)

	var candidates ListResponse
	status, body := ts.call(t, testAdmin, http.MethodGet, "/api/transactions/candidates", nil)
	require.Equal(t, http.StatusOK, status)
	decode(t, body, &candidates)
	assert.Equal(t, 1, candidates.Count, "only the requested cancellation qualifies right after seeding")
}
