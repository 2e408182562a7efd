package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/loadbalancer"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// SelectRequest is the body of POST /v1/select. An empty client key falls
// back to the caller's address.
type SelectRequest struct {
	ClientKey string `json:"clientKey"`
}

// MaxOutcomeLatencyMs bounds reported latencies to one day; it must match
// the lte binding on OutcomeRequest.LatencyMs.
const MaxOutcomeLatencyMs = 86_400_000

// OutcomeRequest is the body of POST /v1/outcomes.
type OutcomeRequest struct {
	BackendID string  `json:"backendId" binding:"required"`
	LatencyMs float64 `json:"latencyMs" binding:"gte=0,lte=86400000"`
	Success   *bool   `json:"success" binding:"required"`
}

func errorResponse(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	n := s.core.EligibleCount()
	if n == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "eligibleBackends": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "eligibleBackends": n})
}

func (s *Server) handleListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.core.Backends()})
}

func (s *Server) handleRegisterBackend(c *gin.Context) {
	// An omitted weight keeps the default; an explicit 0 fails validation.
	bc := config.BackendConfig{Weight: config.DefaultWeight}
	if err := c.ShouldBindJSON(&bc); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if errs := config.ValidateBackend(&bc); len(errs) > 0 {
		details := make([]string, 0, len(errs))
		for _, e := range errs {
			details = append(details, e.Path+": "+e.Message)
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid backend",
			"details": details,
		})
		return
	}

	err := s.core.RegisterBackend(bc)
	switch {
	case errors.Is(err, backend.ErrBackendExists):
		errorResponse(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("backend registered via admin API",
		observability.String("backend", bc.ID),
		observability.String("requestID", GetRequestID(c)),
	)
	c.JSON(http.StatusCreated, bc)
}

func (s *Server) handleDeregisterBackend(c *gin.Context) {
	id := c.Param("id")
	if err := s.core.DeregisterBackend(id); err != nil {
		if errors.Is(err, backend.ErrBackendNotFound) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("backend deregistered via admin API",
		observability.String("backend", id),
		observability.String("requestID", GetRequestID(c)),
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSelect(c *gin.Context) {
	var req SelectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.ClientKey == "" {
		req.ClientKey = c.ClientIP()
	}

	sel, err := s.core.Select(req.ClientKey)
	if errors.Is(err, loadbalancer.ErrNoBackendAvailable) {
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	if err := s.core.ReportOutcome(req.BackendID, latency, *req.Success); err != nil {
		if errors.Is(err, backend.ErrBackendNotFound) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.GetStats())
}

func (s *Server) handleResetStats(c *gin.Context) {
	s.core.ResetStats()
	s.logger.Info("stats reset via admin API",
		observability.String("requestID", GetRequestID(c)),
	)
	c.Status(http.StatusNoContent)
}
