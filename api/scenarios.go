/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with visits
	and reference data demonstrating specific rules. Visits are dated
	today so the next incremental run picks them up.

AVAILABLE SCENARIOS:

	overlapping-schedules: Identical and overlapping scheduled windows
	impossible-travel:     Back-to-back actual visits too far apart to drive
	excluded-agency:       An overlap that is ignored because of an exclusion
	no-conflict:           Same member, separate times, nothing fires

HOW SCENARIOS WORK:
 1. Reset database (when a reset function is configured)
 2. Save the scenario's reference data via factory
 3. Parse the scenario's visits via factory, replacing DATE with today
 4. Save the visits

USAGE VIA API:

	POST /api/demo/seed
	{"scenario": "impossible-travel"}

	POST /api/runs
	{"mode": "incremental"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add the reference and visit documents to 'scenarioDocs'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Run and conflict endpoints used after seeding
  - factory/reference.go: Document schemas
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "overlapping-schedules",
		Name:        "Overlapping Schedules",
		Description: "Three providers booked for one member: an identical window and an overlap",
	},
	{
		ID:          "impossible-travel",
		Name:        "Impossible Travel",
		Description: "Actual visits in New York and Philadelphia fifteen minutes apart",
	},
	{
		ID:          "excluded-agency",
		Name:        "Excluded Agency",
		Description: "Overlapping visits where one agency is excluded from detection",
	},
	{
		ID:          "no-conflict",
		Name:        "No Conflict",
		Description: "Morning and afternoon visits for one member, nothing fires",
	},
}

type scenarioDoc struct {
	reference string
	visits    string
}

var scenarioDocs = map[string]scenarioDoc{
	"overlapping-schedules": {
		visits: `
- {id: OS-1, ssn: 900-00-0001, provider_id: P-ANNA, agency_id: A-NORTH, date: DATE, scheduled: {start: "08:00", end: "10:00"}}
- {id: OS-2, ssn: 900-00-0001, provider_id: P-BEN, agency_id: A-SOUTH, date: DATE, scheduled: {start: "08:00", end: "10:00"}}
- {id: OS-3, ssn: 900-00-0001, provider_id: P-CARA, agency_id: A-SOUTH, date: DATE, scheduled: {start: "09:30", end: "11:00"}}
`,
	},
	"impossible-travel": {
		visits: `
- id: IT-1
  ssn: 900-00-0002
  provider_id: P-DAN
  agency_id: A-NORTH
  date: DATE
  scheduled: {start: "08:00", end: "09:00"}
  actual: {start: "08:00", end: "09:00"}
  lat: 40.7128
  lon: -74.0060
  zip: "10001"
- id: IT-2
  ssn: 900-00-0002
  provider_id: P-EVE
  agency_id: A-SOUTH
  date: DATE
  scheduled: {start: "09:15", end: "10:15"}
  actual: {start: "09:15", end: "10:15"}
  lat: 39.9526
  lon: -75.1652
  zip: "19103"
`,
	},
	"excluded-agency": {
		reference: `
extra_distance_per: 1
mph_bins:
  - {from: 0, to: 1, mph: 10}
  - {from: 1.01, to: 5, mph: 20}
  - {from: 5.01, to: 25, mph: 30}
  - {from: 25.01, mph: 45}
excluded_agencies: [A-AUDIT]
`,
		visits: `
- {id: EA-1, ssn: 900-00-0003, provider_id: P-FAY, agency_id: A-NORTH, date: DATE, scheduled: {start: "13:00", end: "15:00"}}
- {id: EA-2, ssn: 900-00-0003, provider_id: P-GUS, agency_id: A-AUDIT, date: DATE, scheduled: {start: "14:00", end: "16:00"}}
`,
	},
	"no-conflict": {
		visits: `
- {id: NC-1, ssn: 900-00-0004, provider_id: P-HAL, agency_id: A-NORTH, date: DATE, scheduled: {start: "08:00", end: "09:00"}, zip: "10001"}
- {id: NC-2, ssn: 900-00-0004, provider_id: P-IDA, agency_id: A-NORTH, date: DATE, scheduled: {start: "14:00", end: "15:00"}, zip: "10001"}
`,
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// SeedScenario loads a predefined scenario.
func (h *Handler) SeedScenario(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, ok := scenarioDocs[req.Scenario]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	n, err := h.LoadScenario(r.Context(), req.Scenario)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario": req.Scenario, "visits": n})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

// LoadScenario resets the database and seeds the named scenario. It returns
// the number of visits saved.
func (h *Handler) LoadScenario(ctx context.Context, id string) (int, error) {
	doc, ok := scenarioDocs[id]
	if !ok {
		return 0, fmt.Errorf("unknown scenario %q", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Reset != nil {
		if err := h.Reset(ctx); err != nil {
			return 0, fmt.Errorf("reset database: %w", err)
		}
	}
	h.currentScenario = ""

	ref := h.Factory.DefaultReference()
	if doc.reference != "" {
		var err error
		if ref, err = h.Factory.ParseReference([]byte(doc.reference)); err != nil {
			return 0, err
		}
	}
	if err := h.Store.SaveReference(ctx, ref); err != nil {
		return 0, fmt.Errorf("save reference: %w", err)
	}

	now := h.Now()
	today := conflict.DateOf(now).String()
	visits, err := h.Factory.ParseVisits([]byte(strings.ReplaceAll(doc.visits, "DATE", today)), now)
	if err != nil {
		return 0, err
	}
	if err := h.Store.SaveVisits(ctx, visits); err != nil {
		return 0, fmt.Errorf("save visits: %w", err)
	}

	h.currentScenario = id
	h.Log.Info("scenario loaded", "scenario", id, "visits", len(visits))
	return len(visits), nil
}
