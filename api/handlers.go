/*
handlers.go - HTTP API handlers for the conflict engine

PURPOSE:
  Exposes reconciliation runs, conflict records, analyst dispositions,
  source visits and reference data via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the engine.

ENDPOINTS:
  Runs:
    POST   /api/runs                     Start (or resume, with run_id) a run
    GET    /api/runs                     Recent runs, newest first
    GET    /api/runs/{id}                Run result with per-chunk outcomes
    GET    /api/runs/{id}/chunks         The stored chunk plan
    POST   /api/plan                     Dry-run plan, nothing persisted

  Conflicts:
    GET    /api/conflicts                ?date=&ssn=&status=&limit=
    GET    /api/conflicts/{conflictID}   Group and both orientations
    PUT    /api/conflicts/{conflictID}/disposition  {"status": "W"|"I"|"N"}

  Visits:
    POST   /api/visits                   Upsert a batch
    GET    /api/visits/{id}
    DELETE /api/visits/{id}              Soft delete
    POST   /api/in-service               Upsert caregiver in-service events

  Other:
    POST   /api/preview                  Evaluate two visits, nothing persisted
    GET    /api/reference                Settings, speed table, exclusions
    PUT    /api/reference
    GET    /api/metrics                  Process counters
    GET    /health

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status from statusFor:
  - 400: Validation errors, malformed visits
  - 404: Unknown run or conflict
  - 409: Run lease held by another owner
  - 422: Unusable reference data or run configuration
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/factory"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/metrics"
	"github.com/warp/conflict-engine/orchestrator"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   orchestrator.DB
	Orch    *orchestrator.Orchestrator
	Factory *factory.Factory
	Metrics *metrics.Registry
	Log     *logger.Logger

	// DefaultJoin applies when a run request names no join mode.
	DefaultJoin conflict.JoinMode
	Now         func() time.Time

	// Ping checks the database for /health. Optional.
	Ping func(ctx context.Context) error
	// Reset clears the database before a demo scenario loads. Optional.
	Reset func(ctx context.Context) error

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over db and orch. Metrics are read from the
// orchestrator's registry.
func NewHandler(db orchestrator.DB, orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Store:       db,
		Orch:        orch,
		Factory:     factory.New(),
		Metrics:     orch.Metrics,
		Log:         log,
		DefaultJoin: conflict.JoinAsymmetric,
		Now:         func() time.Time { return time.Now().UTC() },
		validate:    validator.New(),
	}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// StartRun executes a run synchronously and returns its result. A failed run
// returns the result in the error details.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Orch.Run(r.Context(), h.toRunRequest(req))
	if err != nil {
		h.Log.Warn("run request failed", "run_id", req.RunID, "error", err)
		if res == nil {
			writeError(w, statusFor(err), "Run failed", err)
			return
		}
		writeErrorDetails(w, statusFor(err), "Run failed", err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlanRun returns the chunk plan a run would use.
func (h *Handler) PlanRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req) {
		return
	}

	run, chunks, err := h.Orch.Plan(r.Context(), h.toRunRequest(req))
	if err != nil {
		writeError(w, statusFor(err), "Failed to plan run", err)
		return
	}

	dto := PlanDTO{
		Mode:        string(run.Mode),
		Join:        string(run.Join),
		WindowStart: run.Window.Start.String(),
		WindowEnd:   run.Window.End.String(),
		Since:       formatTimePtr(run.Since),
		Chunks:      toChunkDTOs(chunks),
	}
	for _, c := range chunks {
		dto.EstimatedRows += c.EstimatedRows
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListRuns returns recent runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns the stored result of a run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orch.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListRunChunks returns the chunk plan of a run with per-chunk progress.
func (h *Handler) ListRunChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetRun(r.Context(), id); err != nil {
		writeError(w, statusFor(err), "Failed to get run", err)
		return
	}
	chunks, err := h.Store.ListChunks(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list chunks", err)
		return
	}
	writeJSON(w, http.StatusOK, toChunkDTOs(chunks))
}

func (h *Handler) toRunRequest(req RunRequest) orchestrator.RunRequest {
	join := conflict.JoinMode(req.Join)
	if join == "" {
		join = h.DefaultJoin
	}
	return orchestrator.RunRequest{
		RunID:         req.RunID,
		Mode:          orchestrator.RunMode(req.Mode),
		Join:          join,
		LookbackHours: req.LookbackHours,
	}
}

// =============================================================================
// CONFLICT HANDLERS
// =============================================================================

// ListConflicts returns conflict records, newest first.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conflict.RecordFilter{
		SSN:    q.Get("ssn"),
		Status: conflict.Status(q.Get("status")),
	}
	if s := q.Get("date"); s != "" {
		d, err := conflict.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		filter.Date = &d
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	records, err := h.Store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list conflicts", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// GetConflict returns a conflict group and its records.
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id := conflict.ConflictID(chi.URLParam(r, "conflictID"))

	records, err := h.Store.RecordsByConflict(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get conflict", err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "Conflict not found", conflict.ErrConflictNotFound)
		return
	}
	group, err := h.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get conflict", err)
		return
	}

	dto := ConflictDTO{Records: toRecordDTOs(records)}
	if group != nil {
		dto.Group = toGroupDTO(*group)
	}
	writeJSON(w, http.StatusOK, dto)
}

// SetDisposition applies an analyst decision to a conflict group and every
// child record in one transaction.
func (h *Handler) SetDisposition(w http.ResponseWriter, r *http.Request) {
	id := conflict.ConflictID(chi.URLParam(r, "conflictID"))

	var req DispositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid disposition", conflict.ErrInvalidDisposition)
		return
	}

	var out ConflictDTO
	err := h.Store.WithTx(r.Context(), func(tx orchestrator.Tx) error {
		children, err := tx.RecordsByConflict(r.Context(), id)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return conflict.ErrConflictNotFound
		}
		group, err := tx.GetGroup(r.Context(), id)
		if err != nil {
			return err
		}
		if group == nil {
			group = &conflict.Group{ConflictID: id, Key: children[0].Key}
		}

		now := h.Now()
		g, changed, err := conflict.ApplyDisposition(*group, children, conflict.Status(req.Status), now)
		if err != nil {
			return err
		}
		if err := tx.SaveRecords(r.Context(), changed); err != nil {
			return err
		}
		if err := tx.SaveGroup(r.Context(), g); err != nil {
			return err
		}

		updated, err := tx.RecordsByConflict(r.Context(), id)
		if err != nil {
			return err
		}
		out = ConflictDTO{Group: toGroupDTO(g), Records: toRecordDTOs(updated)}
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), "Failed to set disposition", err)
		return
	}

	h.Log.Info("disposition set", "conflict_id", string(id), "status", req.Status)
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// VISIT HANDLERS
// =============================================================================

// UpsertVisits saves a batch of visits stamped with the current time, so the
// next incremental run picks them up.
func (h *Handler) UpsertVisits(w http.ResponseWriter, r *http.Request) {
	var req VisitBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	now := h.Now()
	visits := make([]conflict.Visit, 0, len(req.Visits))
	for _, doc := range req.Visits {
		v, err := h.Factory.FromVisitDoc(doc, now)
		if err == nil && !v.Deleted {
			err = v.Validate()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid visit", err)
			return
		}
		visits = append(visits, v)
	}

	if err := h.Store.SaveVisits(r.Context(), visits); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save visits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(visits)})
}

// UpsertInService stores in-service events. Deleting one resends it with deleted set.
func (h *Handler) UpsertInService(w http.ResponseWriter, r *http.Request) {
	var req InServiceBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	now := h.Now()
	events := make([]conflict.InServiceEvent, 0, len(req.Events))
	for _, doc := range req.Events {
		e, err := h.Factory.FromInServiceDoc(doc, now)
		if err == nil {
			err = e.Validate()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid in-service event", err)
			return
		}
		events = append(events, e)
	}

	if err := h.Store.SaveInServiceEvents(r.Context(), events); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save in-service events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(events)})
}

// GetVisit returns one visit.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVisit(r.Context(), conflict.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get visit", err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "Visit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToVisitDoc(*v))
}

// DeleteVisit marks a visit deleted at the source. Its conflicts are
// cleaned by the next run that covers it.
func (h *Handler) DeleteVisit(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVisit(r.Context(), conflict.VisitID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get visit", err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "Visit not found", nil)
		return
	}

	v.Deleted = true
	v.UpdatedAt = h.Now()
	if err := h.Store.SaveVisits(r.Context(), []conflict.Visit{*v}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete visit", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToVisitDoc(*v))
}

// =============================================================================
// PREVIEW AND REFERENCE HANDLERS
// =============================================================================

// Preview evaluates the seven rules on one ordered pair against the stored
// reference data.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := h.Now()
	visit, err := h.Factory.FromVisitDoc(req.Visit, now)
	if err == nil {
		err = visit.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid visit", err)
		return
	}
	con, err := h.Factory.FromVisitDoc(req.Con, now)
	if err == nil {
		err = con.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid con visit", err)
		return
	}

	ref, err := h.Store.LoadReference(r.Context())
	if err == nil {
		err = ref.Validate()
	}
	if err != nil {
		writeError(w, statusFor(err), "Reference data unusable", err)
		return
	}

	flags, derived := conflict.EvaluatePair(conflict.Pair{Visit: visit, Con: con}, ref)
	dto := PreviewDTO{
		Excluded: ref.Excludes(visit) || ref.Excludes(con),
		Flags:    toFlagMap(flags),
		Fired:    []string{},
		Derived:  toDerivedDTO(derived),
	}
	for _, rule := range flags.Fired() {
		dto.Fired = append(dto.Fired, rule.String())
	}
	dto.Conflict = !dto.Excluded && flags.Any()
	writeJSON(w, http.StatusOK, dto)
}

// GetReference returns the stored reference data.
func (h *Handler) GetReference(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Store.LoadReference(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "Failed to load reference data", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToReferenceDoc(ref))
}

// PutReference replaces the reference data. It applies to runs that start
// afterwards.
func (h *Handler) PutReference(w http.ResponseWriter, r *http.Request) {
	var doc factory.ReferenceDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ref, err := h.Factory.FromReferenceDoc(doc)
	if err != nil {
		writeError(w, statusFor(err), "Invalid reference data", err)
		return
	}
	if err := h.Store.SaveReference(r.Context(), ref); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save reference data", err)
		return
	}

	h.Log.Info("reference data replaced", "bins", len(ref.Speeds))
	writeJSON(w, http.StatusOK, h.Factory.ToReferenceDoc(ref))
}

// =============================================================================
// OPERATIONS HANDLERS
// =============================================================================

// GetMetrics returns the process counters.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case conflict.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, conflict.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, conflict.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case conflict.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeErrorDetails is writeError with a structured payload in Details.
func writeErrorDetails(w http.ResponseWriter, status int, message string, err error, details any) {
	resp := ErrorResponse{Error: message, Details: details}
	if err != nil {
		resp.Code = err.Error()
	}
	writeJSON(w, status, resp)
}
