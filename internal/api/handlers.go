package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/service/engine"
	"github.com/rental-meter/rental-meter/internal/service/gate"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ListSessionsQuery defines query parameters for listing sessions
type ListSessionsQuery struct {
	TenantID string `form:"tenant_id"`
	Status   string `form:"status" binding:"omitempty,oneof=running paused stopped expired"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// SweepRequest optionally scopes an on-demand sweep to one tenant
type SweepRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// SweepResponse reports the outcome of an on-demand sweep
type SweepResponse struct {
	SessionsExpired int `json:"sessions_expired"`
}

// LedgerResponse is a tenant's finalized billing records with their sum
type LedgerResponse struct {
	TenantID string                `json:"tenant_id"`
	Entries  []*models.LedgerEntry `json:"entries"`
	Total    string                `json:"total"`
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, gate.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gate.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"error", err,
			"path", c.Request.URL.Path,
			"request_id", c.GetString("request_id"))
		message = "internal server error"
	}
	c.JSON(status, ErrorResponse{
		Error:     message,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) toSessionResponse(session *models.Session) models.SessionResponse {
	return session.ToResponse(time.Now().UTC(), s.engine.EstimateCost(session))
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}

	// Return 503 if not ready (e.g., during startup sweep)
	if !s.ready.Load() {
		response.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now().UTC(),
	}

	if !response.Ready {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "validation failed: " + validationErrs.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	ctx := logging.WithTenantID(c.Request.Context(), req.TenantID)
	result, err := s.engine.Start(ctx, &req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	response := s.toSessionResponse(result.Session)
	response.RequiresApproval = result.RequiresApproval
	c.JSON(http.StatusCreated, response)
}

func (s *Server) handleListSessions(c *gin.Context) {
	var query ListSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid query parameters: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	sessions, err := s.engine.List(c.Request.Context(), models.SessionListFilter{
		TenantID: query.TenantID,
		Status:   models.SessionStatus(query.Status),
		Limit:    query.Limit,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	responses := make([]models.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, s.toSessionResponse(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": responses, "count": len(responses)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toSessionResponse(session))
}

func (s *Server) handlePauseSession(c *gin.Context) {
	ctx := logging.WithSessionID(c.Request.Context(), c.Param("id"))
	session, err := s.engine.Pause(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toSessionResponse(session))
}

func (s *Server) handleResumeSession(c *gin.Context) {
	ctx := logging.WithSessionID(c.Request.Context(), c.Param("id"))
	session, err := s.engine.Resume(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toSessionResponse(session))
}

func (s *Server) handleStopSession(c *gin.Context) {
	ctx := logging.WithSessionID(c.Request.Context(), c.Param("id"))
	session, err := s.engine.Stop(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.toSessionResponse(session))
}

func (s *Server) handleSweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "invalid request body: " + err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
	}

	var expired int
	if req.TenantID != "" {
		expired = s.sweeper.SweepExpired(c.Request.Context(), req.TenantID)
	} else {
		expired = s.sweeper.Sweep(c.Request.Context())
	}
	c.JSON(http.StatusOK, SweepResponse{SessionsExpired: expired})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	policy, err := s.policies.Get(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handlePutPolicy(c *gin.Context) {
	var req models.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	policy := &models.TenantMeteringPolicy{
		TenantID:                  c.Param("tenant_id"),
		IsAuthorized:              req.IsAuthorized,
		MaxConcurrentSessions:     req.MaxConcurrentSessions,
		MaxSessionDurationSeconds: req.MaxSessionDurationSeconds,
	}
	if req.ApprovalThresholdCost != nil {
		threshold, err := decimal.NewFromString(*req.ApprovalThresholdCost)
		if err != nil || threshold.IsNegative() {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "approval_threshold_cost must be a non-negative decimal",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		policy.ApprovalThresholdCost = &threshold
	}

	ctx := logging.WithTenantID(c.Request.Context(), policy.TenantID)
	if err := s.policies.Upsert(ctx, policy); err != nil {
		s.respondError(c, err)
		return
	}

	logging.Audit(ctx, "policy_updated",
		"tenant_id", policy.TenantID,
		"is_authorized", policy.IsAuthorized,
		"max_concurrent_sessions", policy.MaxConcurrentSessions)

	stored, err := s.policies.Get(ctx, policy.TenantID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) handleGetLedger(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	ctx := c.Request.Context()

	entries, err := s.ledger.ListByTenant(ctx, tenantID, 0)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := s.ledger.TenantTotal(ctx, tenantID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	c.JSON(http.StatusOK, LedgerResponse{
		TenantID: tenantID,
		Entries:  entries,
		Total:    total.StringFixed(2),
	})
}

func (s *Server) handleGetTariff(c *gin.Context) {
	tariff, err := s.tariffs.Get(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tariff)
}

func (s *Server) handlePutTariff(c *gin.Context) {
	var req models.UpsertTariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	rate, err := decimal.NewFromString(req.RatePerMinute)
	if err != nil || rate.IsNegative() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "rate_per_minute must be a non-negative decimal",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	t := &models.Tariff{
		ResourceID:    c.Param("resource_id"),
		RatePerMinute: rate,
		Currency:      currency,
	}
	if err := s.tariffs.Upsert(c.Request.Context(), t); err != nil {
		s.respondError(c, err)
		return
	}

	// Sessions already running keep their captured rate; only new starts
	// see the update, and only after the cache entry is dropped.
	if s.tariffCache != nil {
		s.tariffCache.Invalidate(t.ResourceID)
	}

	logging.Audit(c.Request.Context(), "tariff_updated",
		"resource_id", t.ResourceID,
		"rate_per_minute", rate.String(),
		"currency", currency)

	stored, err := s.tariffs.Get(c.Request.Context(), t.ResourceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}
