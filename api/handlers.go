/*
handlers.go - HTTP API handlers for the worktime engine

PURPOSE:
  Exposes the timesheet engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engines.

ENDPOINTS:
  Attendance:
    POST   /api/attendance                 Ingest one terminal tick
    POST   /api/attendance/recalc          Replay stored ticks into facts

  Worker days:
    GET    /api/workerdays                 List by filter (query params)
    GET    /api/workerdays/{id}            Get one row
    POST   /api/workerdays/batch           Batch upsert
    POST   /api/workerdays/approve         Approve drafts

  Vacancies:
    POST   /api/vacancies                  Create one open shift
    POST   /api/vacancies/mass             Create open shifts over a range
    POST   /api/vacancies/{id}/offer       Offer to staff
    POST   /api/vacancies/{id}/confirm     Assign to an employee
    POST   /api/vacancies/{id}/approve     Approve into the plan
    DELETE /api/vacancies/{id}             Cancel

  Admin:
    POST   /api/admin/reference            Import reference data (superuser)

REQUEST FLOW:
  1. Resolve the acting user (actor middleware)
  2. Decode and validate the body
  3. Call the engine
  4. Serialize response or map the error by kind

ERROR HANDLING:
  Errors are returned as JSON with a status derived from workday.KindOf:
  - 400: Validation errors, invalid input
  - 403: Permission denied
  - 404: Resource not found
  - 409: Conflicts, concurrent modification
  - 422: Preconditions (norm exceeded, vacancy state)
  - 500: Internal errors (logged, never echoed)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/approve"
	"github.com/warp/worktime-engine/attendance"
	"github.com/warp/worktime-engine/batch"
	"github.com/warp/worktime-engine/factory"
	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/vacancy"
	"github.com/warp/worktime-engine/workday"
)

// MaxRecalcDays bounds one recalc request.
const MaxRecalcDays = 62

// maxBody caps request bodies.
const maxBody = 8 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Timesheet  *timesheet.Timesheet
	Attendance *attendance.Reconciler
	Batch      *batch.Engine
	Approve    *approve.Engine
	Vacancy    *vacancy.Engine
	Gate       *permission.Gate
	Importer   workday.Importer
	Reference  *factory.ReferenceFactory

	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler wires a handler around one timesheet. Importer may be nil, in
// which case reference import answers 404.
func NewHandler(ts *timesheet.Timesheet, gate *permission.Gate, rec *attendance.Reconciler, b *batch.Engine,
	ap *approve.Engine, vac *vacancy.Engine, importer workday.Importer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Timesheet:  ts,
		Attendance: rec,
		Batch:      b,
		Approve:    ap,
		Vacancy:    vac,
		Gate:       gate,
		Importer:   importer,
		Reference:  factory.NewReferenceFactory(),
		validate:   validator.New(),
		logger:     logger.Named("api"),
	}
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// IngestAttendance records one tick from a terminal or the mobile app.
func (h *Handler) IngestAttendance(w http.ResponseWriter, r *http.Request) {
	var ev attendance.Event
	if !h.decode(w, r, &ev) {
		return
	}
	res, err := h.Attendance.Ingest(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toAttendanceResponse(res))
}

// RecalcAttendance replays stored ticks for employees over a date range.
// The actor needs update rights on approved facts for every employee day
// in the range.
func (h *Handler) RecalcAttendance(w http.ResponseWriter, r *http.Request) {
	var req RecalcRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, &workday.ValidationError{Code: "invalid_request", Message: err.Error()})
		return
	}
	if req.DtFrom.IsZero() || req.DtTo.IsZero() || req.DtTo.Before(req.DtFrom) {
		h.fail(w, r, &workday.ValidationError{Code: "invalid_range", Message: "dt_from and dt_to are required, dt_to >= dt_from"})
		return
	}
	if req.DtFrom.AddDays(MaxRecalcDays).Before(req.DtTo) {
		h.fail(w, r, &workday.ValidationError{Code: "invalid_range", Message: fmt.Sprintf("range exceeds %d days", MaxRecalcDays)})
		return
	}

	actor := ActorFrom(r.Context())
	var checks []permission.Check
	for _, emp := range req.EmployeeIDs {
		for d := req.DtFrom; !req.DtTo.Before(d); d = d.AddDays(1) {
			checks = append(checks, permission.Check{
				Action:     workday.ActionUpdate,
				Graph:      workday.GraphFact,
				Type:       workday.TypeWorkday,
				Dt:         d,
				EmployeeID: workday.Ptr(emp),
			})
		}
	}
	if err := h.Gate.Require(r.Context(), actor, checks...); err != nil {
		h.fail(w, r, err)
		return
	}

	n, err := h.Attendance.Recalc(r.Context(), req.EmployeeIDs, req.DtFrom, req.DtTo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecalcResponse{Replayed: n})
}

// =============================================================================
// WORKER DAY HANDLERS
// =============================================================================

// ListWorkerDays returns rows matching the query filter. At least one of
// employee_id__in, shop_id__in or id__in is required, plus a bounded range
// unless ids are given.
func (h *Handler) ListWorkerDays(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.Timesheet.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDayDTOs(rows))
}

// GetWorkerDay returns one row by id.
func (h *Handler) GetWorkerDay(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	wd, err := h.Timesheet.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDayDTO(*wd))
}

// BatchUpsert applies a batch of desired rows.
func (h *Handler) BatchUpsert(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = ActorFrom(r.Context())
	res, err := h.Batch.Upsert(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := BatchResponse{Stats: res.Stats}
	if req.Options.ReturnResponse {
		resp.Data = toWorkerDayDTOs(res.Rows)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApproveWorkerDays promotes drafts of a shop over a range.
func (h *Handler) ApproveWorkerDays(w http.ResponseWriter, r *http.Request) {
	var req approve.Request
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = ActorFrom(r.Context())
	res, err := h.Approve.Approve(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// VACANCY HANDLERS
// =============================================================================

// CreateVacancy stores one open shift.
func (h *Handler) CreateVacancy(w http.ResponseWriter, r *http.Request) {
	var req CreateVacancyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, &workday.ValidationError{Code: "invalid_vacancy", Message: err.Error()})
		return
	}
	if req.Dt.IsZero() {
		h.fail(w, r, &workday.ValidationError{Code: "invalid_vacancy", Message: "dt is required"})
		return
	}
	typ := req.Type
	if typ == "" {
		typ = workday.TypeWorkday
	}
	start, end := req.WorkStart, req.WorkEnd
	wd, err := h.Vacancy.Create(r.Context(), ActorFrom(r.Context()), workday.WorkerDay{
		Dt:          req.Dt,
		ShopID:      workday.Ptr(req.ShopID),
		Type:        typ,
		IsApproved:  req.IsApproved,
		WorkStart:   &start,
		WorkEnd:     &end,
		Details:     req.Details,
		Outsources:  req.Outsources,
		CostPerHour: req.CostPerHour,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkerDayDTO(*wd))
}

// MassCreateVacancies spreads one vacancy shape over a date range.
func (h *Handler) MassCreateVacancies(w http.ResponseWriter, r *http.Request) {
	var req vacancy.MassCreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	rows, err := h.Vacancy.MassCreate(r.Context(), ActorFrom(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkerDayDTOs(rows))
}

// OfferVacancy marks an open vacancy as offered.
func (h *Handler) OfferVacancy(w http.ResponseWriter, r *http.Request) {
	h.vacancyTransition(w, r, h.Vacancy.Offer)
}

// ApproveVacancy promotes a vacancy into the approved plan.
func (h *Handler) ApproveVacancy(w http.ResponseWriter, r *http.Request) {
	h.vacancyTransition(w, r, h.Vacancy.Approve)
}

// ConfirmVacancy assigns a vacancy. Without employee_id the actor takes it.
func (h *Handler) ConfirmVacancy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body ConfirmVacancyRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	wd, err := h.Vacancy.Confirm(r.Context(), vacancy.ConfirmRequest{
		Actor:      ActorFrom(r.Context()),
		VacancyID:  id,
		EmployeeID: body.EmployeeID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDayDTO(*wd))
}

// CancelVacancy removes an unassigned vacancy.
func (h *Handler) CancelVacancy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Vacancy.Cancel(r.Context(), ActorFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) vacancyTransition(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, workday.UserID, workday.WorkerDayID) (*workday.WorkerDay, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	wd, err := fn(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDayDTO(*wd))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ImportReference parses a reference document and stores it. Only
// superusers may import.
func (h *Handler) ImportReference(w http.ResponseWriter, r *http.Request) {
	if h.Importer == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "reference import is disabled", Kind: string(workday.KindNotFound)})
		return
	}
	actor := ActorFrom(r.Context())
	user, err := h.Timesheet.Directory().User(r.Context(), actor)
	if err != nil && !workday.IsNotFound(err) {
		h.fail(w, r, err)
		return
	}
	if user == nil || !user.IsSuperuser {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "reference import requires a superuser", Kind: string(workday.KindPermission)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to read body", Details: err.Error()})
		return
	}
	data, err := h.Reference.Parse(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Importer.Import(r.Context(), data); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("reference data imported",
		zap.Int64("actor", int64(actor)),
		zap.Int("shops", len(data.Shops)),
		zap.Int("employments", len(data.Employments)))
	writeJSON(w, http.StatusOK, ImportResponse{
		Networks:    len(data.Networks),
		Shops:       len(data.Shops),
		Employees:   len(data.Employees),
		Employments: len(data.Employments),
	})
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Kind:    string(workday.KindValidation),
			Details: err.Error(),
		})
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (workday.WorkerDayID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Kind: string(workday.KindValidation)})
		return 0, false
	}
	return workday.WorkerDayID(id), true
}

// fail maps err to a status by its kind. Internal errors are logged and
// answered with a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.nameRows(r.Context(), err)

	kind := workday.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case workday.IsRetryable(err):
		status = http.StatusConflict
	case kind == workday.KindValidation:
		status = http.StatusBadRequest
	case kind == workday.KindPermission:
		status = http.StatusForbidden
	case kind == workday.KindConflict:
		status = http.StatusConflict
	case kind == workday.KindNotFound:
		status = http.StatusNotFound
	case kind == workday.KindPrecondition:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Kind: string(workday.KindInternal)})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind), Code: errorCode(err)})
}

func (h *Handler) nameRows(ctx context.Context, err error) {
	dir := h.Timesheet.Directory()
	names := make(map[workday.EmployeeID]string)
	workday.NameRows(err, func(id workday.EmployeeID) string {
		if n, ok := names[id]; ok {
			return n
		}
		emp, lookupErr := dir.Employee(ctx, id)
		if lookupErr != nil {
			return ""
		}
		names[id] = emp.Name
		return emp.Name
	})
}

func errorCode(err error) string {
	var (
		invalid  *workday.ValidationError
		conflict *workday.ConflictError
		overlap  *workday.WorkTimeOverlapError
		multi    *workday.MultipleWDTypesOnOneDateError
		another  *workday.HasAnotherWdayOnDateError
		norm     *workday.DtMaxHoursRestrictionViolatedError
		denied   *workday.PermissionDeniedError
	)
	switch {
	case errors.As(err, &invalid):
		return invalid.Code
	case errors.As(err, &conflict):
		return conflict.Code
	case errors.As(err, &overlap):
		return "work_time_overlap"
	case errors.As(err, &multi):
		return "multiple_wd_types_on_one_date"
	case errors.As(err, &another):
		return "has_another_wday_on_date"
	case errors.As(err, &norm):
		return norm.Code()
	case errors.As(err, &denied):
		return "permission_denied"
	case workday.IsRetryable(err):
		return "concurrent_modification"
	case workday.IsNotFound(err):
		return "not_found"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// =============================================================================
// FILTER PARSING
// =============================================================================

// parseFilter reads a workday.Filter from query parameters named like its
// JSON tags. Lists are comma separated.
func parseFilter(r *http.Request) (workday.Filter, error) {
	q := r.URL.Query()
	var f workday.Filter
	var err error

	invalid := func(param string, cause error) error {
		return &workday.ValidationError{Code: "invalid_filter", Message: fmt.Sprintf("%s: %v", param, cause)}
	}

	if f.IDs, err = parseIDs[workday.WorkerDayID](q.Get("id__in")); err != nil {
		return f, invalid("id__in", err)
	}
	if f.EmployeeIDs, err = parseIDs[workday.EmployeeID](q.Get("employee_id__in")); err != nil {
		return f, invalid("employee_id__in", err)
	}
	if f.ShopIDs, err = parseIDs[workday.ShopID](q.Get("shop_id__in")); err != nil {
		return f, invalid("shop_id__in", err)
	}
	if f.ClosestPlanApprovedIDs, err = parseIDs[workday.WorkerDayID](q.Get("closest_plan_approved_id__in")); err != nil {
		return f, invalid("closest_plan_approved_id__in", err)
	}
	for param, dst := range map[string]*workday.Date{"dt__gte": &f.DtFrom, "dt__lte": &f.DtTo} {
		if v := q.Get(param); v != "" {
			if *dst, err = workday.ParseDate(v); err != nil {
				return f, invalid(param, err)
			}
		}
	}
	for param, dst := range map[string]**bool{"is_fact": &f.IsFact, "is_approved": &f.IsApproved, "is_vacancy": &f.IsVacancy} {
		if v := q.Get(param); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, invalid(param, err)
			}
			*dst = &b
		}
	}
	if v := q.Get("employee_id__isnull"); v != "" {
		if f.OnlyOpenVacancies, err = strconv.ParseBool(v); err != nil {
			return f, invalid("employee_id__isnull", err)
		}
	}
	for _, code := range splitList(q.Get("type__in")) {
		f.Types = append(f.Types, workday.TypeCode(code))
	}
	f.Codes = splitList(q.Get("code__in"))

	if len(f.IDs) == 0 {
		if len(f.EmployeeIDs) == 0 && len(f.ShopIDs) == 0 {
			return f, &workday.ValidationError{Code: "invalid_filter", Message: "employee_id__in or shop_id__in is required"}
		}
		if f.DtFrom.IsZero() || f.DtTo.IsZero() {
			return f, &workday.ValidationError{Code: "invalid_filter", Message: "dt__gte and dt__lte are required"}
		}
	}
	return f, nil
}

func parseIDs[T ~int64](s string) ([]T, error) {
	var out []T
	for _, part := range splitList(s) {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, T(n))
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// ACTOR
// =============================================================================

// ActorHeader carries the acting user's id. An upstream gateway
// authenticates the user and sets it.
const ActorHeader = "X-User-ID"

type actorKey struct{}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor workday.UserID) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by RequireActor, or 0.
func ActorFrom(ctx context.Context) workday.UserID {
	actor, _ := ctx.Value(actorKey{}).(workday.UserID)
	return actor
}

// RequireActor rejects requests without a valid ActorHeader.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid " + ActorHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), workday.UserID(id))))
	})
}
