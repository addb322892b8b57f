// Package chi is the HTTP API layer.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
	"github.com/studykite/meterd/internal/usecase/budget"
	"github.com/studykite/meterd/internal/usecase/completion"
	healthuc "github.com/studykite/meterd/internal/usecase/health"
)

// Error response codes.
const (
	CodeBadRequest       = "bad_request"
	CodeValidationFailed = "validation_failed"
	CodeBudgetExceeded   = "budget_exceeded"
	CodeBudgetUnverified = "budget_unverifiable"
	CodeSessionExpired   = "session_expired"
	CodeUnknownModel     = "unknown_model"
	CodeProviderError    = "provider_error"
	CodeNotFound         = "not_found"
	CodeInternalError    = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CompletionRunner runs one metered completion end to end.
type CompletionRunner interface {
	Generate(ctx context.Context, userID, model, prompt string) (completion.Completion, error)
}

// UsageReader serves current-period usage reads.
type UsageReader interface {
	CurrentPeriodUsage(ctx context.Context, userID string) (usage.Record, error)
}

// UsageRecorder meters consumption through the authoritative ledger.
type UsageRecorder interface {
	RecordConsumption(ctx context.Context, userID string, t tier.Tier, model string, inputUnits, outputUnits int64) (usage.Record, error)
}

// BudgetChecker runs pre-flight budget checks.
type BudgetChecker interface {
	CheckAndReserve(ctx context.Context, userID string, t tier.Tier, model string, estimatedInputUnits int64) (budget.CheckResult, error)
}

// SessionManager exposes the trial session timer.
type SessionManager interface {
	Snapshot(ctx context.Context, userID string) (activity.State, error)
	Touch(ctx context.Context, userID string) (activity.State, error)
	SetTier(ctx context.Context, userID string, t tier.Tier) (activity.State, error)
}

// TierStore reads and updates the persisted subscription tier.
type TierStore interface {
	Tier(ctx context.Context, userID string) (tier.Tier, error)
	SetTier(ctx context.Context, userID string, t tier.Tier) error
}

// TierAnnouncer propagates a tier change to peer contexts.
type TierAnnouncer interface {
	AnnounceTier(ctx context.Context, userID string, t tier.Tier) error
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server is the HTTP API server.
type Server struct {
	completions   CompletionRunner
	usage         UsageReader
	recorder      UsageRecorder
	checker       BudgetChecker
	sessions      SessionManager
	tiers         TierStore
	announcer     TierAnnouncer
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server. announcer may be nil.
func NewServer(
	completions CompletionRunner,
	usageReader UsageReader,
	recorder UsageRecorder,
	checker BudgetChecker,
	sessions SessionManager,
	tiers TierStore,
	announcer TierAnnouncer,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		completions: completions,
		usage:       usageReader,
		recorder:    recorder,
		checker:     checker,
		sessions:    sessions,
		tiers:       tiers,
		announcer:   announcer,
		health:      health,
		logger:      logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrBudgetExceeded, http.StatusPaymentRequired, CodeBudgetExceeded),
		sentinelHandler(domain.ErrBudgetUnverifiable, http.StatusServiceUnavailable, CodeBudgetUnverified),
		sentinelHandler(domain.ErrSessionExpired, http.StatusForbidden, CodeSessionExpired),
		sentinelHandler(domain.ErrUnknownModel, http.StatusBadRequest, CodeUnknownModel),
		sentinelHandler(domain.ErrProviderError, http.StatusBadGateway, CodeProviderError),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
	}
	return s
}

// Routes mounts all API routes on the given router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/v1/complete", s.Complete)
	r.Get("/v1/usage", s.GetUsage)
	r.Post("/v1/usage/check", s.CheckUsage)
	r.Post("/v1/usage/record", s.RecordUsage)
	r.Get("/v1/session", s.GetSession)
	r.Post("/v1/session/activity", s.SessionActivity)
	r.Put("/v1/session/tier", s.SetSessionTier)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	UserID string `json:"user_id"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Complete handles POST /v1/complete.
func (s *Server) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Model == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id, model and prompt are required")
		return
	}

	result, err := s.completions.Generate(r.Context(), req.UserID, req.Model, req.Prompt)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	UserID            string `json:"user_id"`
	PeriodKey         string `json:"period_key"`
	TotalUnits        int64  `json:"total_units"`
	TotalCostMicroUSD int64  `json:"total_cost_micro_usd"`
	UpdatedAtMS       int64  `json:"updated_at_ms,omitempty"`
}

// GetUsage handles GET /v1/usage.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id is required")
		return
	}

	rec, err := s.usage.CurrentPeriodUsage(r.Context(), userID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:            userID,
		PeriodKey:         rec.PeriodKey,
		TotalUnits:        rec.TotalUnits,
		TotalCostMicroUSD: rec.TotalCostMicroUSD,
		UpdatedAtMS:       rec.UpdatedAtMS,
	})
}

// CheckUsageRequest is the body of POST /v1/usage/check.
type CheckUsageRequest struct {
	UserID              string `json:"user_id"`
	Model               string `json:"model"`
	EstimatedInputUnits int64  `json:"estimated_input_units"`
}

// CheckUsage handles POST /v1/usage/check: the pre-flight check, exposed so
// clients can gate input before paying for a call.
func (s *Server) CheckUsage(w http.ResponseWriter, r *http.Request) {
	var req CheckUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id and model are required")
		return
	}

	t, err := s.tiers.Tier(r.Context(), req.UserID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	res, err := s.checker.CheckAndReserve(r.Context(), req.UserID, t, req.Model, req.EstimatedInputUnits)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// RecordUsageRequest is the body of POST /v1/usage/record.
type RecordUsageRequest struct {
	UserID      string `json:"user_id"`
	Model       string `json:"model"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
}

// RecordUsage handles POST /v1/usage/record: meters consumption reported by
// an external caller that ran the model call itself.
func (s *Server) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id and model are required")
		return
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "unit counts must be non-negative")
		return
	}

	t, err := s.tiers.Tier(r.Context(), req.UserID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	rec, err := s.recorder.RecordConsumption(r.Context(), req.UserID, t, req.Model, req.InputUnits, req.OutputUnits)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// SessionResponse is the body of session endpoints.
type SessionResponse struct {
	UserID           string    `json:"user_id"`
	Tier             tier.Tier `json:"tier"`
	TimerActive      bool      `json:"timer_active"`
	SecondsRemaining int       `json:"seconds_remaining"`
	TotalSeconds     int       `json:"total_seconds"`
	Paused           bool      `json:"paused"`
	Expired          bool      `json:"expired"`
	LockedOut        bool      `json:"locked_out"`
}

func sessionResponse(userID string, st activity.State) SessionResponse {
	return SessionResponse{
		UserID:           userID,
		Tier:             st.Tier,
		TimerActive:      st.RunningForTier,
		SecondsRemaining: st.SecondsRemaining,
		TotalSeconds:     st.TotalSeconds,
		Paused:           st.Paused,
		Expired:          st.Expired,
		LockedOut:        st.LockedOut(),
	}
}

// GetSession handles GET /v1/session.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id is required")
		return
	}

	st, err := s.sessions.Snapshot(r.Context(), userID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(userID, st))
}

// SessionActivityRequest is the body of POST /v1/session/activity.
type SessionActivityRequest struct {
	UserID string `json:"user_id"`
}

// SessionActivity handles POST /v1/session/activity: a qualifying activity
// event. An expired session stays expired; the response carries the state.
func (s *Server) SessionActivity(w http.ResponseWriter, r *http.Request) {
	var req SessionActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id is required")
		return
	}

	st, err := s.sessions.Touch(r.Context(), req.UserID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(req.UserID, st))
}

// SetTierRequest is the body of PUT /v1/session/tier.
type SetTierRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// SetSessionTier handles PUT /v1/session/tier: persists the new tier,
// applies it to the timer, and announces it to peer contexts.
func (s *Server) SetSessionTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "user_id is required")
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}

	if err := s.tiers.SetTier(r.Context(), req.UserID, t); err != nil {
		s.handleDomainError(w, err)
		return
	}

	st, err := s.sessions.SetTier(r.Context(), req.UserID, t)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	if s.announcer != nil {
		if err := s.announcer.AnnounceTier(r.Context(), req.UserID, t); err != nil {
			s.logger.Warn("Tier broadcast failed",
				zap.String("user_id", req.UserID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, sessionResponse(req.UserID, st))
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	}
	if report.Provider != "" {
		body["provider"] = report.Provider
	}
	writeJSON(w, httpStatus, body)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrBudgetExceeded,
		domain.ErrBudgetUnverifiable,
		domain.ErrSessionExpired,
		domain.ErrUnknownModel,
		domain.ErrProviderError,
		domain.ErrNotFound,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
