package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/orchestrator"
	"github.com/opensource-finance/heron/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *orchestrator.Orchestrator
	bus     domain.EventBus
	async   bool
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *orchestrator.Orchestrator, opts Options) *Handler {
	return &Handler{
		svc:     svc,
		bus:     opts.Bus,
		async:   opts.Async && opts.Bus != nil,
		version: opts.Version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.svc.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// TRANSACTION HANDLERS
// ============================================================================

// CreateTransaction handles POST /transactions. With ?async=true the
// transaction is queued for the worker and 202 is returned.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tx domain.Transaction
	if !decodeJSON(w, r, &tx) {
		return
	}
	if tx.ID == "" {
		tx.ID = "TRX-" + strings.ToUpper(uuid.New().String())
	}

	if r.URL.Query().Get("async") == "true" {
		if !h.async {
			writeError(w, domain.Invalid("async", "submission worker is not enabled"))
			return
		}
		if err := tx.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := worker.Submit(ctx, h.bus, &tx, GetActor(ctx)); err != nil {
			slog.Error("failed to queue transaction", "tx_id", tx.ID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to queue transaction",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"transactionId": tx.ID,
			"status":        "queued",
		})
		return
	}

	res, err := h.svc.CreateTransaction(ctx, &tx, GetActor(ctx))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := transactionResponse{TransactionResult: res}
	switch {
	case res.SyncErr != nil:
		resp.Warning = res.SyncErr.Error()
	case res.ScoringErr != nil:
		resp.Warning = res.ScoringErr.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

type transactionResponse struct {
	*orchestrator.TransactionResult
	Warning string `json:"warning,omitempty"`
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TransactionFilter{
		UserID:          q.Get("userId"),
		Status:          q.Get("status"),
		TransactionType: q.Get("transactionType"),
	}
	if v := q.Get("isFraud"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, domain.Invalid("isFraud", "must be a boolean"))
			return
		}
		filter.IsFraud = &b
	}

	var err error
	if filter.From, filter.To, err = timeRange(q.Get("from"), q.Get("to")); err != nil {
		writeError(w, err)
		return
	}
	if filter.Page, err = pageFrom(r); err != nil {
		writeError(w, err)
		return
	}

	txs, total, err := h.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"total":        total,
		"limit":        filter.Page.Normalize().Limit,
		"offset":       filter.Page.Offset,
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// UpdateTransaction handles PATCH /transactions/{id}.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var patch domain.TransactionPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	res, err := h.svc.UpdateTransaction(r.Context(), chi.URLParam(r, "id"), patch, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionUpdate(res))
}

// FraudFlagRequest is the body of PUT /transactions/{id}/fraud-flag.
type FraudFlagRequest struct {
	IsFraud *bool `json:"isFraud"`
}

// SetFraudFlag handles PUT /transactions/{id}/fraud-flag.
func (h *Handler) SetFraudFlag(w http.ResponseWriter, r *http.Request) {
	var req FraudFlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsFraud == nil {
		writeError(w, domain.Invalid("isFraud", "is required"))
		return
	}

	res, err := h.svc.SyncTransactionFraudFlag(r.Context(), chi.URLParam(r, "id"), *req.IsFraud, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionUpdate(res))
}

// ReviewRequest is the body of POST /transactions/{id}/decision.
type ReviewRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// ReviewTransaction handles POST /transactions/{id}/decision.
func (h *Handler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := domain.ParseCaseDecision(req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.ReviewTransaction(r.Context(), chi.URLParam(r, "id"), decision, req.Notes, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionUpdate(res))
}

// Rescore handles POST /transactions/{id}/predict.
func (h *Handler) Rescore(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RescoreTransaction(r.Context(), chi.URLParam(r, "id"), GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transactionUpdateResponse struct {
	*orchestrator.TransactionUpdateResult
	Warning string `json:"warning,omitempty"`
}

func newTransactionUpdate(res *orchestrator.TransactionUpdateResult) transactionUpdateResponse {
	resp := transactionUpdateResponse{TransactionUpdateResult: res}
	if res.SyncErr != nil {
		resp.Warning = res.SyncErr.Error()
	}
	return resp
}

// BatchPredictRequest narrows the transactions re-scored by
// POST /transactions/predict-batch. All fields are optional.
type BatchPredictRequest struct {
	TransactionIDs  []string   `json:"transactionIds"`
	UserID          string     `json:"userId"`
	Status          string     `json:"status"`
	TransactionType string     `json:"transactionType"`
	From            *time.Time `json:"from"`
	To              *time.Time `json:"to"`
}

// BatchPredict handles POST /transactions/predict-batch.
func (h *Handler) BatchPredict(w http.ResponseWriter, r *http.Request) {
	var req BatchPredictRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	filter := domain.TransactionFilter{
		IDs:             req.TransactionIDs,
		UserID:          req.UserID,
		Status:          req.Status,
		TransactionType: req.TransactionType,
	}
	if req.From != nil {
		filter.From = *req.From
	}
	if req.To != nil {
		filter.To = *req.To
	}

	res, err := h.svc.BatchPredict(r.Context(), filter, GetActor(r.Context()))
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		slog.Warn("batch prediction interrupted", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// TransactionAudit handles GET /transactions/{id}/audit.
func (h *Handler) TransactionAudit(w http.ResponseWriter, r *http.Request) {
	h.auditTrail(w, r, domain.EntityTransaction)
}

// ============================================================================
// ANOMALY HANDLERS
// ============================================================================

// CreateAnomalyRequest is the body of POST /anomalies. Without riskScore the
// transaction is scored and no anomaly is created unless it is flagged.
type CreateAnomalyRequest struct {
	TransactionID string   `json:"transactionId"`
	RiskScore     *float64 `json:"riskScore"`
	RiskFactors   []string `json:"riskFactors"`
	ModelVersion  string   `json:"modelVersion"`
	RuleName      string   `json:"ruleName"`
	Description   string   `json:"description"`

	TriggeredBy *domain.TriggeredBy `json:"triggeredBy"`
}

// CreateAnomaly handles POST /anomalies.
func (h *Handler) CreateAnomaly(w http.ResponseWriter, r *http.Request) {
	var req CreateAnomalyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var a *domain.Assessment
	if req.RiskScore != nil {
		a = &domain.Assessment{
			IsAnomaly:    true,
			RiskScore:    *req.RiskScore,
			RiskFactors:  req.RiskFactors,
			ModelVersion: req.ModelVersion,
		}
	}
	opts := anomaly.Options{
		RuleName:    req.RuleName,
		Description: req.Description,
		TriggeredBy: req.TriggeredBy,
	}

	res, err := h.svc.CreateAnomalyFromAssessment(r.Context(), req.TransactionID, a, opts, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Anomaly == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"anomaly": nil,
			"message": "transaction was not flagged",
		})
		return
	}
	writeJSON(w, http.StatusCreated, newAnomalyResponse(res))
}

// ListAnomalies handles GET /anomalies. status accepts a comma-separated list.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AnomalyFilter{
		TransactionID: q.Get("transactionId"),
		UserID:        q.Get("userId"),
		Severity:      domain.Severity(q.Get("severity")),
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, domain.AnomalyStatus(s))
		}
	}

	var err error
	if filter.From, filter.To, err = timeRange(q.Get("from"), q.Get("to")); err != nil {
		writeError(w, err)
		return
	}
	if filter.Page, err = pageFrom(r); err != nil {
		writeError(w, err)
		return
	}

	anomalies, total, err := h.svc.ListAnomalies(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"total":     total,
		"limit":     filter.Page.Normalize().Limit,
		"offset":    filter.Page.Offset,
	})
}

// GetAnomaly retrieves an anomaly by ID.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAnomaly(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAnomaly handles PATCH /anomalies/{id}.
func (h *Handler) UpdateAnomaly(w http.ResponseWriter, r *http.Request) {
	var patch domain.AnomalyPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	res, err := h.svc.UpdateAnomaly(r.Context(), chi.URLParam(r, "id"), patch, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAnomalyResponse(res))
}

// StatusRequest is the body of PUT /anomalies/{id}/status.
type StatusRequest struct {
	Status     domain.AnomalyStatus `json:"status"`
	Notes      *string              `json:"notes"`
	ResolvedAt *time.Time           `json:"resolvedAt"`
}

// UpdateAnomalyStatus handles PUT /anomalies/{id}/status.
func (h *Handler) UpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.UpdateAnomalyStatus(r.Context(), chi.URLParam(r, "id"), anomaly.TransitionRequest{
		Status:     req.Status,
		Notes:      req.Notes,
		ResolvedAt: req.ResolvedAt,
	}, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAnomalyResponse(res))
}

// CommentRequest is the body of POST /anomalies/{id}/comments.
type CommentRequest struct {
	Text string `json:"text"`
}

// AddComment handles POST /anomalies/{id}/comments.
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, c, err := h.svc.AddComment(r.Context(), chi.URLParam(r, "id"), req.Text, GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"comment": c,
		"anomaly": a,
	})
}

// DeleteAnomaly handles DELETE /anomalies/{id}.
func (h *Handler) DeleteAnomaly(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DeleteAnomaly(r.Context(), chi.URLParam(r, "id"), GetActor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAnomalyResponse(res))
}

// AnomalyAudit handles GET /anomalies/{id}/audit.
func (h *Handler) AnomalyAudit(w http.ResponseWriter, r *http.Request) {
	h.auditTrail(w, r, domain.EntityAnomaly)
}

type anomalyResponse struct {
	*orchestrator.AnomalyResult
	Warning string `json:"warning,omitempty"`
}

func newAnomalyResponse(res *orchestrator.AnomalyResult) anomalyResponse {
	resp := anomalyResponse{AnomalyResult: res}
	if res.SyncErr != nil {
		resp.Warning = res.SyncErr.Error()
	}
	return resp
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request, entityType string) {
	page, err := pageFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.svc.AuditTrail(r.Context(), entityType, chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// ============================================================================
// TRENDS
// ============================================================================

// RateTrend handles GET /trends/anomaly-rate?interval=&period=.
func (h *Handler) RateTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval := domain.Interval(q.Get("interval"))
	if interval == "" {
		interval = domain.IntervalDay
	}

	period := 30
	if v := q.Get("period"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, domain.Invalid("period", "must be an integer"))
			return
		}
		period = n
	}

	series, err := h.svc.GetRateTrend(r.Context(), interval, period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBatchFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrScoringUnavailable):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func pageFrom(r *http.Request) (domain.Page, error) {
	var p domain.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, domain.Invalid("limit", "must be an integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, domain.Invalid("offset", "must be an integer")
		}
		p.Offset = n
	}
	return p, nil
}

func timeRange(from, to string) (time.Time, time.Time, error) {
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			return f, t, domain.Invalid("from", "must be RFC 3339")
		}
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return f, t, domain.Invalid("to", "must be RFC 3339")
		}
	}
	return f, t, nil
}
