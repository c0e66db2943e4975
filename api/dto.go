/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Runs:       RunRequest, RunDTO, PlanDTO (orchestrator.RunResult is returned as is)
  Conflicts:  RecordDTO, GroupDTO, ConflictDTO, DispositionRequest
  Visits:     factory.VisitDoc is the request and response form
  Preview:    PreviewRequest, PreviewDTO
  Scenarios:  ScenarioDTO, SeedRequest

VALIDATION:
  Request types carry validator tags; handlers call h.validate.Struct.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/reference.go: VisitDoc and ReferenceDoc
*/
package api

import (
	"time"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/factory"
	"github.com/warp/conflict-engine/orchestrator"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RunRequest starts or resumes a run.
type RunRequest struct {
	RunID         string `json:"run_id,omitempty"`
	Mode          string `json:"mode" validate:"omitempty,oneof=incremental full"`
	Join          string `json:"join" validate:"omitempty,oneof=symmetric asymmetric"`
	LookbackHours *int   `json:"lookback_hours,omitempty" validate:"omitempty,gte=0"`
}

// RunDTO is a run header in listings.
type RunDTO struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode"`
	Join        string          `json:"join"`
	State       string          `json:"state"`
	Status      string          `json:"status"`
	Owner       string          `json:"owner"`
	WindowStart string          `json:"window_start,omitempty"`
	WindowEnd   string          `json:"window_end,omitempty"`
	Since       string          `json:"since,omitempty"`
	Totals      conflict.Counts `json:"totals"`
	Error       string          `json:"error,omitempty"`
	StartedAt   string          `json:"started_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

// ChunkDTO is one planned chunk.
type ChunkDTO struct {
	ID            int             `json:"id"`
	Keys          []string        `json:"keys"`
	EstimatedRows int             `json:"estimated_rows"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	Counts        conflict.Counts `json:"counts"`
	Error         string          `json:"error,omitempty"`
}

// PlanDTO is the dry-run plan of a run.
type PlanDTO struct {
	Mode          string     `json:"mode"`
	Join          string     `json:"join"`
	WindowStart   string     `json:"window_start"`
	WindowEnd     string     `json:"window_end"`
	Since         string     `json:"since,omitempty"`
	Chunks        []ChunkDTO `json:"chunks"`
	EstimatedRows int        `json:"estimated_rows"`
}

// RecordDTO is one conflict detail row.
type RecordDTO struct {
	VisitID       string            `json:"visit_id"`
	ConVisitID    string            `json:"con_visit_id"`
	ConflictID    string            `json:"conflict_id"`
	VisitDate     string            `json:"visit_date"`
	SSN           string            `json:"ssn"`
	ProviderID    string            `json:"provider_id"`
	ConProviderID string            `json:"con_provider_id"`
	AgencyID      string            `json:"agency_id"`
	ConAgencyID   string            `json:"con_agency_id"`
	Flags         map[string]string `json:"flags"`
	Status        string            `json:"status"`
	InService     bool              `json:"in_service,omitempty"`
	Derived       DerivedDTO        `json:"derived"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	ResolvedAt    string            `json:"resolved_at,omitempty"`
}

// DerivedDTO holds the travel fields. Decimals are strings to keep precision.
type DerivedDTO struct {
	DistanceMiles        *string `json:"distance_miles"`
	ETATravelMinutes     *string `json:"eta_travel_minutes"`
	AverageMilesPerHour  *string `json:"average_miles_per_hour"`
	MinuteDiffBetweenSch int     `json:"minute_diff_between_sch"`
}

// GroupDTO is the parent row of a conflict.
type GroupDTO struct {
	ConflictID string `json:"conflict_id"`
	VisitDate  string `json:"visit_date"`
	SSN        string `json:"ssn"`
	Status     string `json:"status"`
	Children   int    `json:"children"`
	UpdatedAt  string `json:"updated_at"`
}

// ConflictDTO is a group with its children.
type ConflictDTO struct {
	Group   *GroupDTO   `json:"group,omitempty"`
	Records []RecordDTO `json:"records"`
}

// DispositionRequest sets an analyst decision on a conflict.
type DispositionRequest struct {
	Status string `json:"status" validate:"required,oneof=W I N"`
}

// VisitBatchRequest upserts visits.
type VisitBatchRequest struct {
	Visits []factory.VisitDoc `json:"visits" validate:"required,min=1,dive"`
}

// InServiceBatchRequest upserts in-service events.
type InServiceBatchRequest struct {
	Events []factory.InServiceDoc `json:"events" validate:"required,min=1,dive"`
}

// PreviewRequest evaluates two visits without persisting anything.
type PreviewRequest struct {
	Visit factory.VisitDoc `json:"visit"`
	Con   factory.VisitDoc `json:"con"`
}

// PreviewDTO is the evaluation of one ordered pair.
type PreviewDTO struct {
	Conflict bool              `json:"conflict"`
	Excluded bool              `json:"excluded"`
	Flags    map[string]string `json:"flags"`
	Fired    []string          `json:"fired"`
	Derived  DerivedDTO        `json:"derived"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SeedRequest loads a demo scenario.
type SeedRequest struct {
	Scenario string `json:"scenario" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
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

func toFlagMap(f conflict.RuleFlags) map[string]string {
	out := make(map[string]string, len(f))
	for i, v := range f {
		out[conflict.Rule(i).String()] = string(v)
	}
	return out
}

func toDerivedDTO(d conflict.Derived) DerivedDTO {
	str := func(v interface {
		String() string
	}, valid bool) *string {
		if !valid {
			return nil
		}
		s := v.String()
		return &s
	}
	return DerivedDTO{
		DistanceMiles:        str(d.DistanceMiles.Decimal, d.DistanceMiles.Valid),
		ETATravelMinutes:     str(d.ETATravelMinutes.Decimal, d.ETATravelMinutes.Valid),
		AverageMilesPerHour:  str(d.AverageMilesPerHour.Decimal, d.AverageMilesPerHour.Valid),
		MinuteDiffBetweenSch: d.MinuteDiffBetweenSch,
	}
}

func toRecordDTO(r conflict.Record) RecordDTO {
	return RecordDTO{
		VisitID:       string(r.VisitID),
		ConVisitID:    string(r.ConVisitID),
		ConflictID:    string(r.ConflictID),
		VisitDate:     r.Key.Date.String(),
		SSN:           r.Key.SSN,
		ProviderID:    r.ProviderID,
		ConProviderID: r.ConProviderID,
		AgencyID:      r.AgencyID,
		ConAgencyID:   r.ConAgencyID,
		Flags:         toFlagMap(r.Flags),
		Status:        string(r.Status),
		InService:     r.InService,
		Derived:       toDerivedDTO(r.Derived),
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
		ResolvedAt:    formatTimePtr(r.ResolvedAt),
	}
}

func toRecordDTOs(rs []conflict.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toRecordDTO(r)
	}
	return dtos
}

func toGroupDTO(g conflict.Group) *GroupDTO {
	return &GroupDTO{
		ConflictID: string(g.ConflictID),
		VisitDate:  g.Key.Date.String(),
		SSN:        g.Key.SSN,
		Status:     string(g.Status),
		Children:   g.Children,
		UpdatedAt:  formatTime(g.UpdatedAt),
	}
}

func toRunDTO(run orchestrator.Run) RunDTO {
	dto := RunDTO{
		ID:         run.ID,
		Mode:       string(run.Mode),
		Join:       string(run.Join),
		State:      string(run.State),
		Status:     string(run.Status),
		Owner:      run.Owner,
		Since:      formatTimePtr(run.Since),
		Totals:     run.Totals,
		Error:      run.Error,
		StartedAt:  formatTime(run.StartedAt),
		FinishedAt: formatTimePtr(run.FinishedAt),
	}
	if !run.Window.Start.IsZero() {
		dto.WindowStart = run.Window.Start.String()
		dto.WindowEnd = run.Window.End.String()
	}
	return dto
}

func toChunkDTO(c orchestrator.Chunk) ChunkDTO {
	keys := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		keys[i] = k.String()
	}
	return ChunkDTO{
		ID:            c.ID,
		Keys:          keys,
		EstimatedRows: c.EstimatedRows,
		Status:        string(c.Status),
		Attempts:      c.Attempts,
		Counts:        c.Counts,
		Error:         c.Error,
	}
}

func toChunkDTOs(cs []orchestrator.Chunk) []ChunkDTO {
	dtos := make([]ChunkDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toChunkDTO(c)
	}
	return dtos
}
