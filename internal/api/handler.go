package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"GatherSend/internal/db"
	"GatherSend/internal/metrics"
	"GatherSend/internal/models"
	"GatherSend/internal/queue"
	"GatherSend/internal/statussync"
	"GatherSend/internal/template"
)

// Dispatcher is the slice of the delivery queue the API drives.
type Dispatcher interface {
	Enqueue(ctx context.Context, job *models.DispatchJob) (string, error)
	EnqueueBulk(ctx context.Context, jobs []*models.DispatchJob, priority models.Priority, batchSize int) ([]string, int, error)
	Withdraw(ctx context.Context, jobID string) bool
}

// Synchronizer ingests provider delivery-status callbacks.
type Synchronizer interface {
	Apply(ctx context.Context, u statussync.Update) error
}

// Store is the slice of persistence the API reads.
type Store interface {
	GuestsByIDs(ctx context.Context, ids []int64) ([]*models.Guest, error)
	ListMessages(ctx context.Context, f db.MessageFilter) ([]*db.MessageWithGuest, *db.DeliveryStats, error)
}

// TemplateRegistry loads active templates.
type TemplateRegistry interface {
	Load(ctx context.Context, name string) (*models.Template, error)
}

type Handler struct {
	Store    Store
	Queue    Dispatcher
	Sync     Synchronizer
	Registry TemplateRegistry
	Log      *zap.Logger
}

// Routes wires the API surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/dispatch", h.Dispatch)
		r.Post("/dispatch/bulk", h.DispatchBulk)
		r.Delete("/jobs/{jobID}", h.WithdrawJob)
		r.Get("/messages", h.ListMessages)
		r.Post("/callbacks/provider", h.ProviderCallback)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

type dispatchRequest struct {
	RecipientID  int64             `json:"recipient_id"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables"`
	Priority     string            `json:"priority"`
}

// Dispatch accepts a single templated send. Validation and conflict errors
// come back synchronously; provider-side outcomes are only observable via
// the status query once the job is accepted.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RecipientID == 0 || req.TemplateName == "" {
		respondError(w, http.StatusBadRequest, "recipient_id and template_name are required")
		return
	}

	job, errStatus, errBody := h.buildJob(r.Context(), req.RecipientID, req.TemplateName, req.Variables)
	if errBody != nil {
		respondJSON(w, errStatus, errBody)
		return
	}
	job.Priority = models.ParsePriority(req.Priority)

	jobID, err := h.Queue.Enqueue(r.Context(), job)
	if err != nil {
		h.respondEnqueueError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type bulkDispatchRequest struct {
	RecipientIDs []int64           `json:"recipient_ids"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables"`
	Priority     string            `json:"priority"`
	BatchSize    int               `json:"batch_size"`
}

// DispatchBulk accepts up to the bulk ceiling of recipients in one call,
// split into provider-facing sub-batches. The call is all-or-nothing.
func (h *Handler) DispatchBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.RecipientIDs) == 0 || req.TemplateName == "" {
		respondError(w, http.StatusBadRequest, "recipient_ids and template_name are required")
		return
	}

	ctx := r.Context()

	tmpl, errStatus, errBody := h.loadTemplate(ctx, req.TemplateName)
	if errBody != nil {
		respondJSON(w, errStatus, errBody)
		return
	}
	if verr := h.validateVars(tmpl, req.Variables); verr != nil {
		respondJSON(w, http.StatusUnprocessableEntity, verr)
		return
	}

	guests, err := h.Store.GuestsByIDs(ctx, req.RecipientIDs)
	if err != nil {
		h.Log.Error("guest lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	byID := make(map[int64]*models.Guest, len(guests))
	for _, g := range guests {
		byID[g.ID] = g
	}

	var jobs []*models.DispatchJob
	var missingAddress []int64
	for _, id := range req.RecipientIDs {
		g, ok := byID[id]
		if !ok {
			missingAddress = append(missingAddress, id)
			continue
		}
		job, ok := jobForGuest(g, tmpl, req.Variables)
		if !ok {
			missingAddress = append(missingAddress, id)
			continue
		}
		jobs = append(jobs, job)
	}

	if len(missingAddress) > 0 {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":                      "recipients without a contactable address",
			"recipients_missing_address": missingAddress,
		})
		return
	}

	ids, batches, err := h.Queue.EnqueueBulk(ctx, jobs, models.ParsePriority(req.Priority), req.BatchSize)
	if err != nil {
		h.respondEnqueueError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_ids":         ids,
		"batches_created": batches,
	})
}

// WithdrawJob removes a job still sitting in the queue. Jobs already
// handed to the provider cannot be withdrawn.
func (h *Handler) WithdrawJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !h.Queue.Withdraw(r.Context(), jobID) {
		respondError(w, http.StatusNotFound, "job not found or already dispatched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages serves the status query: filter by status/template,
// paginate, sort, with recipient display fields and aggregate delivery
// statistics.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	messages, stats, err := h.Store.ListMessages(r.Context(), db.MessageFilter{
		Status:   q.Get("status"),
		Template: q.Get("template"),
		Page:     page,
		PerPage:  perPage,
		SortBy:   q.Get("sort"),
		Order:    q.Get("order"),
	})
	if err != nil {
		h.Log.Error("message listing failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if messages == nil {
		messages = []*db.MessageWithGuest{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"stats":    stats,
	})
}

type callbackRequest struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	ErrorCode         string    `json:"error_code"`
	ErrorMessage      string    `json:"error_message"`
	Timestamp         time.Time `json:"timestamp"`
}

// ProviderCallback ingests delivery-status callbacks. Dropped no-ops and
// unknown ids still answer success so the provider never re-delivers a
// callback over an application-level idempotency decision.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	metrics.CallbacksReceived.Inc()

	status, ok := models.ParseStatus(req.Status)
	if !ok {
		h.Log.Warn("callback with unknown status, dropping",
			zap.String("provider_message_id", req.ProviderMessageID),
			zap.String("status", req.Status),
		)
		metrics.CallbacksDropped.Inc()
		respondJSON(w, http.StatusOK, map[string]string{"result": "dropped"})
		return
	}

	err := h.Sync.Apply(r.Context(), statussync.Update{
		ProviderMessageID: req.ProviderMessageID,
		Status:            status,
		ErrorCode:         req.ErrorCode,
		ErrorMessage:      req.ErrorMessage,
		Timestamp:         req.Timestamp,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"result": "applied"})
	case errors.Is(err, statussync.ErrNoOp), errors.Is(err, statussync.ErrUnknownMessage):
		respondJSON(w, http.StatusOK, map[string]string{"result": "dropped"})
	default:
		h.Log.Error("callback application failed",
			zap.String("provider_message_id", req.ProviderMessageID),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// ----------------------------
// helpers
// ----------------------------

type validationBody struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing_variables"`
}

func (h *Handler) loadTemplate(ctx context.Context, name string) (*models.Template, int, any) {
	tmpl, err := h.Registry.Load(ctx, name)
	if err != nil {
		switch {
		case errors.Is(err, template.ErrNotFound), errors.Is(err, template.ErrInactive):
			return nil, http.StatusNotFound, map[string]string{"error": err.Error()}
		default:
			h.Log.Error("template load failed", zap.String("template", name), zap.Error(err))
			return nil, http.StatusInternalServerError, map[string]string{"error": "internal error"}
		}
	}
	return tmpl, 0, nil
}

func (h *Handler) validateVars(tmpl *models.Template, vars map[string]string) *validationBody {
	if err := template.Validate(tmpl, vars); err != nil {
		var verr *template.ValidationError
		errors.As(err, &verr)
		return &validationBody{Error: "missing template variables", Missing: verr.Missing}
	}
	return nil
}

func (h *Handler) buildJob(ctx context.Context, recipientID int64, templateName string, vars map[string]string) (*models.DispatchJob, int, any) {
	tmpl, errStatus, errBody := h.loadTemplate(ctx, templateName)
	if errBody != nil {
		return nil, errStatus, errBody
	}
	if verr := h.validateVars(tmpl, vars); verr != nil {
		return nil, http.StatusUnprocessableEntity, verr
	}

	guests, err := h.Store.GuestsByIDs(ctx, []int64{recipientID})
	if err != nil {
		h.Log.Error("guest lookup failed", zap.Int64("guest_id", recipientID), zap.Error(err))
		return nil, http.StatusInternalServerError, map[string]string{"error": "internal error"}
	}
	if len(guests) == 0 {
		return nil, http.StatusNotFound, map[string]string{"error": "recipient not found"}
	}

	job, ok := jobForGuest(guests[0], tmpl, vars)
	if !ok {
		return nil, http.StatusUnprocessableEntity, map[string]string{"error": "recipient has no contactable address"}
	}
	return job, 0, nil
}

func jobForGuest(g *models.Guest, tmpl *models.Template, vars map[string]string) (*models.DispatchJob, bool) {
	addr, channel, ok := g.ContactAddress()
	if !ok {
		return nil, false
	}
	return &models.DispatchJob{
		GuestID:      g.ID,
		EventID:      g.EventID,
		Address:      addr,
		Channel:      channel,
		TemplateName: tmpl.Name,
		Variables:    vars,
		Rendered:     template.Render(tmpl.Content, vars),
		Subject:      tmpl.DisplayName,
		Approved:     tmpl.Approved,
	}, true
}

func (h *Handler) respondEnqueueError(w http.ResponseWriter, err error) {
	var conflict *queue.ConflictError
	var ceiling *queue.ErrBulkCeiling
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":                  "pending message already exists",
			"template":               conflict.TemplateName,
			"conflicting_recipients": conflict.GuestIDs,
		})
	case errors.As(err, &ceiling):
		respondError(w, http.StatusBadRequest, ceiling.Error())
	default:
		h.Log.Error("enqueue failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
