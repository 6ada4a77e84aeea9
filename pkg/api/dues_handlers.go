package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/clubhouse/pkg/async"
	"github.com/platinummonkey/clubhouse/pkg/audit"
	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/httputil"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	defaultBackfillWorkers = 4
	maxBackfillWorkers     = 32
	bulkBackfillTimeout    = time.Hour
)

// Backfiller runs generation for one or all members
type Backfiller interface {
	BackfillMember(ctx context.Context, m *members.Member, now time.Time) (dues.GenerationResult, error)
	BackfillAllMembers(ctx context.Context, now time.Time, workers int) (dues.BatchResult, error)
}

// JobRunner triggers the scheduled jobs on demand
type JobRunner interface {
	RunMonthlyGeneration(ctx context.Context) (dues.BatchResult, error)
	RunDailySweep(ctx context.Context) (dues.SweepResult, error)
}

// memberInvalidator is implemented by caching member directories
type memberInvalidator interface {
	Invalidate(id int64)
}

// DueHandlers handles due record and billing run requests
type DueHandlers struct {
	service    *dues.Service
	engine     Backfiller
	directory  dues.MemberDirectory
	jobs       JobRunner
	audit      audit.Logger
	runLimiter ratelimit.Limiter
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewDueHandlers creates DueHandlers. now may be nil to use time.Now.
func NewDueHandlers(service *dues.Service, engine Backfiller, directory dues.MemberDirectory, jobs JobRunner, logger logrus.FieldLogger, now func() time.Time) *DueHandlers {
	if logger == nil {
		logger = logrus.New()
	}
	if now == nil {
		now = time.Now
	}
	return &DueHandlers{
		service:   service,
		engine:    engine,
		directory: directory,
		jobs:      jobs,
		audit:     audit.NoOp(),
		logger:    logger.WithField("component", "due_handlers"),
		now:       now,
	}
}

// WithAudit records every due mutation and backfill to l. nil disables it.
func (h *DueHandlers) WithAudit(l audit.Logger) *DueHandlers {
	if l == nil {
		l = audit.NoOp()
	}
	h.audit = l
	return h
}

// WithRunLimiter throttles the /billing/run triggers per actor
func (h *DueHandlers) WithRunLimiter(l ratelimit.Limiter) *DueHandlers {
	h.runLimiter = l
	return h
}

// RegisterRoutes registers due and billing routes
func (h *DueHandlers) RegisterRoutes(router *mux.Router) {
	// Due records
	router.HandleFunc("/dues", h.CreateDue).Methods(http.MethodPost)
	router.HandleFunc("/dues/{id}", h.GetDue).Methods(http.MethodGet)
	router.HandleFunc("/dues/{id}", h.DeleteDue).Methods(http.MethodDelete)
	router.HandleFunc("/dues/{id}/confirm", h.ConfirmPayment).Methods(http.MethodPost)
	router.HandleFunc("/dues/{id}/reject", h.RejectPayment).Methods(http.MethodPost)
	router.HandleFunc("/dues/{id}/notes", h.AddNote).Methods(http.MethodPost)

	// Members
	router.HandleFunc("/members/{member_id}/dues", h.ListMemberDues).Methods(http.MethodGet)
	router.HandleFunc("/members/{member_id}/dues/backfill", h.BackfillMember).Methods(http.MethodPost)

	// Billing runs
	runs := router.PathPrefix("/billing/run").Subrouter()
	if h.runLimiter != nil {
		runs.Use(ratelimit.Middleware(h.runLimiter, actorKey))
	}
	runs.HandleFunc("/monthly", h.RunMonthly).Methods(http.MethodPost)
	runs.HandleFunc("/sweep", h.RunSweep).Methods(http.MethodPost)
	runs.HandleFunc("/backfill", h.BackfillAll).Methods(http.MethodPost)
}

// CreateDue creates a due record by hand
func (h *DueHandlers) CreateDue(w http.ResponseWriter, r *http.Request) {
	var req dues.CreateDueRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rec, err := h.service.CreateManual(r.Context(), req, h.now())
	event := h.dueEvent(r.Context(), audit.EventTypeDueCreated, 0, rec, err)
	event.MemberID = &req.MemberID
	if rec == nil {
		event.Period = dues.Period{Month: time.Month(req.Month), Year: req.Year}.String()
	}
	audit.Record(r.Context(), h.audit, event)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteCreated(w, rec)
}

// GetDue returns one due record
func (h *DueHandlers) GetDue(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// DeleteDue deletes a pending due record
func (h *DueHandlers) DeleteDue(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.service.Delete(r.Context(), id)
	audit.Record(r.Context(), h.audit, h.dueEvent(r.Context(), audit.EventTypeDueDeleted, id, nil, err))
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ConfirmPayment marks a due record as paid
func (h *DueHandlers) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req dues.ConfirmPaymentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rec, err := h.service.ConfirmPayment(r.Context(), id, req, h.now())
	event := h.dueEvent(r.Context(), audit.EventTypeDuePaid, id, rec, err)
	event.Metadata["payment_method"] = req.PaymentMethod
	if req.ProofRef != "" {
		event.Metadata["proof_ref"] = req.ProofRef
	}
	audit.Record(r.Context(), h.audit, event)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// RejectPayment marks a due record as rejected
func (h *DueHandlers) RejectPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req dues.RejectPaymentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rec, err := h.service.RejectPayment(r.Context(), id, req.Reason, h.now())
	event := h.dueEvent(r.Context(), audit.EventTypeDueRejected, id, rec, err)
	event.Message = req.Reason
	audit.Record(r.Context(), h.audit, event)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

type addNoteRequest struct {
	Note string `json:"note"`
}

// AddNote appends a note to a due record
func (h *DueHandlers) AddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req addNoteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rec, err := h.service.AddNote(r.Context(), id, req.Note, h.now())
	event := h.dueEvent(r.Context(), audit.EventTypeDueNoteAdded, id, rec, err)
	event.Message = req.Note
	audit.Record(r.Context(), h.audit, event)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rec)
}

// ListMemberDues lists a member's due records oldest period first
func (h *DueHandlers) ListMemberDues(w http.ResponseWriter, r *http.Request) {
	memberID, ok := httputil.ParsePathInt64OrError(w, r, "member_id")
	if !ok {
		return
	}

	records, err := h.service.ListForMember(r.Context(), memberID)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	if records == nil {
		records = []*dues.DueRecord{}
	}
	httputil.WriteSuccess(w, records)
}

// BackfillMember generates every missing period for one member
func (h *DueHandlers) BackfillMember(w http.ResponseWriter, r *http.Request) {
	memberID, ok := httputil.ParsePathInt64OrError(w, r, "member_id")
	if !ok {
		return
	}

	// Backfill bills from the registration date and role, so read them fresh.
	if c, ok := h.directory.(memberInvalidator); ok {
		c.Invalidate(memberID)
	}
	m, err := h.directory.GetMember(r.Context(), memberID)
	if err != nil {
		writeDueError(w, r, err)
		return
	}

	result, err := h.engine.BackfillMember(r.Context(), m, h.now())
	event := h.runEvent(r.Context(), audit.EventTypeMemberBackfill, err)
	event.MemberID = &memberID
	event.Metadata["created"] = len(result.Created)
	event.Metadata["existing"] = result.Existing
	if result.Skipped {
		event.Message = "skipped: " + result.SkipReason
	}
	audit.Record(r.Context(), h.audit, event)
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// RunMonthly triggers monthly generation
func (h *DueHandlers) RunMonthly(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.RunMonthlyGeneration(r.Context())
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// RunSweep triggers the overdue sweep
func (h *DueHandlers) RunSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.RunDailySweep(r.Context())
	if err != nil {
		writeDueError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type backfillAccepted struct {
	RunID   string `json:"run_id"`
	Workers int    `json:"workers"`
}

// BackfillAll backfills every billable member. With ?async=true it returns
// 202 immediately and the run continues after the request ends.
func (h *DueHandlers) BackfillAll(w http.ResponseWriter, r *http.Request) {
	workers, err := httputil.ParseQueryInt(r, "workers", defaultBackfillWorkers)
	if err != nil || workers < 1 || workers > maxBackfillWorkers {
		httputil.WriteFieldError(w, http.StatusBadRequest, "workers", "workers must be between 1 and 32")
		return
	}
	runAsync, err := httputil.ParseQueryBool(r, "async", false)
	if err != nil {
		httputil.WriteFieldError(w, http.StatusBadRequest, "async", err.Error())
		return
	}

	now := h.now()
	if !runAsync {
		result, err := h.engine.BackfillAllMembers(r.Context(), now, workers)
		h.recordBulkBackfill(r.Context(), result, workers, err)
		if err != nil {
			writeDueError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, result)
		return
	}

	runID := uuid.NewString()
	ctx := observability.WithRunID(r.Context(), runID)
	logger := h.logger.WithField("run_id", runID)
	async.SafeGo(ctx, logger, bulkBackfillTimeout, "bulk backfill", func(ctx context.Context) error {
		result, err := h.engine.BackfillAllMembers(ctx, now, workers)
		h.recordBulkBackfill(ctx, result, workers, err)
		return err
	})

	httputil.WriteAccepted(w, backfillAccepted{RunID: runID, Workers: workers})
}

// actorKey limits named actors individually and anonymous callers by address
func actorKey(r *http.Request) string {
	if actor := audit.GetActor(r.Context()); actor != "" && actor != "anonymous" {
		return "actor:" + actor
	}
	return ratelimit.ClientIP(r)
}

// dueEvent builds the audit event for a due mutation. rec may be nil when
// the operation failed.
func (h *DueHandlers) dueEvent(ctx context.Context, eventType audit.EventType, dueID int64, rec *dues.DueRecord, err error) *audit.Event {
	event := h.runEvent(ctx, eventType, err)
	if rec != nil {
		dueID = rec.ID
		event.MemberID = &rec.MemberID
		event.Period = rec.Period.String()
		event.Metadata["status"] = string(rec.Status)
	}
	if dueID > 0 {
		event.DueID = &dueID
	}
	return event
}

func (h *DueHandlers) runEvent(ctx context.Context, eventType audit.EventType, err error) *audit.Event {
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	event := audit.NewEvent(ctx, eventType, status)
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	return event
}

func (h *DueHandlers) recordBulkBackfill(ctx context.Context, result dues.BatchResult, workers int, err error) {
	event := h.runEvent(ctx, audit.EventTypeBulkBackfill, err)
	if result.Period.Month != 0 {
		event.Period = result.Period.String()
	}
	event.Metadata["workers"] = workers
	event.Metadata["members"] = result.Members
	event.Metadata["created"] = result.Created
	event.Metadata["failed"] = result.Failed
	audit.Record(ctx, h.audit, event)
}
