/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario seeds the expected state and that a full run
	over it produces the conflicts the scenario describes.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/conflict-engine/conflict"
)

func TestScenarios_EveryListedScenarioHasDocuments(t *testing.T) {
	require.Len(t, scenarioDocs, len(scenarios))
	for _, s := range scenarios {
		_, ok := scenarioDocs[s.ID]
		assert.True(t, ok, s.ID)
	}
}

func TestScenarios_ExpectedConflicts(t *testing.T) {
	tests := []struct {
		scenario string
		visits   int
		inserted int
		rule     conflict.Rule
	}{
		{"overlapping-schedules", 3, 6, conflict.RuleSchOverAnotherSchTime},
		{"impossible-travel", 2, 2, conflict.RuleDistance},
		{"excluded-agency", 2, 0, 0},
		{"no-conflict", 2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			// GIVEN: The scenario is loaded
			s := newTestServer(t)
			n, err := s.handler.LoadScenario(context.Background(), tt.scenario)
			require.NoError(t, err)
			assert.Equal(t, tt.visits, n)

			// WHEN: A full run executes
			res := s.fullRun(t)

			// THEN
			assert.Equal(t, tt.inserted, res.Totals.Inserted)
			if tt.inserted == 0 {
				return
			}
			records, err := s.mem.ListRecords(context.Background(), conflict.RecordFilter{})
			require.NoError(t, err)
			fired := false
			for _, r := range records {
				fired = fired || r.Flags[tt.rule].IsSet()
			}
			assert.True(t, fired, tt.rule.String())
		})
	}
}

func TestLoadScenario_ExcludedAgencySavesReference(t *testing.T) {
	s := newTestServer(t)

	_, err := s.handler.LoadScenario(context.Background(), "excluded-agency")
	require.NoError(t, err)

	ref, err := s.mem.LoadReference(context.Background())
	require.NoError(t, err)
	assert.True(t, ref.ExcludedAgencies.Has("A-AUDIT"))
}

func TestLoadScenario_ResetsFirst(t *testing.T) {
	s := newTestServer(t)
	resets := 0
	s.handler.Reset = func(context.Context) error {
		resets++
		return nil
	}

	_, err := s.handler.LoadScenario(context.Background(), "no-conflict")
	require.NoError(t, err)

	assert.Equal(t, 1, resets)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	_, err := s.handler.LoadScenario(context.Background(), "nope")
	assert.Error(t, err)

	rec := s.do(t, http.MethodPost, "/api/demo/seed", SeedRequest{Scenario: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentScenario(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/demo/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	s.seed(t, "impossible-travel")

	rec = s.do(t, http.MethodGet, "/api/demo/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "impossible-travel", decodeBody[ScenarioDTO](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/demo/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))
}
