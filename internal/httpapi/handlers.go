package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/agentfactory/internal/engine"
	"github.com/fyrsmithlabs/agentfactory/internal/persistence"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

type createAgentRequest struct {
	Name            string `json:"name"`
	Purpose         string `json:"purpose"`
	Domain          string `json:"domain"`
	Complexity      string `json:"complexity"`
	ComplianceLevel string `json:"compliance_level"`
	CreatedBy       string `json:"created_by"`
}

type resolveApprovalRequest struct {
	Action   string `json:"action"`
	Reviewer string `json:"reviewer"`
	Feedback string `json:"feedback"`
}

// patchConfigRequest carries durations as strings ("30m", "1h") so
// callers do not deal in nanoseconds.
type patchConfigRequest struct {
	AutoApprovalThreshold *float64 `json:"auto_approval_threshold"`
	PhaseTimeout          *string  `json:"phase_timeout"`
	MaxRetries            *int     `json:"max_retries"`
	AutoRetry             *bool    `json:"auto_retry"`
	ApprovalTTL           *string  `json:"approval_ttl"`
	AuditEnabled          *bool    `json:"audit_enabled"`
}

type configResponse struct {
	AutoApprovalThreshold float64 `json:"auto_approval_threshold"`
	PhaseTimeout          string  `json:"phase_timeout"`
	MaxRetries            int     `json:"max_retries"`
	AutoRetry             bool    `json:"auto_retry"`
	ApprovalTTL           string  `json:"approval_ttl"`
	AuditEnabled          bool    `json:"audit_enabled"`
}

func newConfigResponse(cfg *engine.Config) configResponse {
	return configResponse{
		AutoApprovalThreshold: cfg.AutoApprovalThreshold,
		PhaseTimeout:          cfg.PhaseTimeout.String(),
		MaxRetries:            cfg.MaxRetries,
		AutoRetry:             cfg.AutoRetry,
		ApprovalTTL:           cfg.ApprovalTTL.String(),
		AuditEnabled:          cfg.AuditEnabled,
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	health := s.engine.GetHealthStatus(c.Request().Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

func (s *Server) handleCreateAgent(c echo.Context) error {
	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reqs := spec.AgentRequirements{
		Name:            req.Name,
		Purpose:         req.Purpose,
		Domain:          spec.Domain(req.Domain),
		Complexity:      spec.Complexity(req.Complexity),
		ComplianceLevel: spec.ComplianceLevel(req.ComplianceLevel),
	}
	created, err := s.engine.CreateAgent(c.Request().Context(), reqs, req.CreatedBy)
	if err != nil {
		return httpError(err)
	}

	// The pipeline runs in the background; the caller polls status.
	s.runDetached(created.ID)

	return c.JSON(http.StatusAccepted, created)
}

func (s *Server) handleListAgents(c echo.Context) error {
	filter := persistence.ListFilter{
		Status:    spec.Status(c.QueryParam("status")),
		Phase:     spec.Phase(c.QueryParam("phase")),
		CreatedBy: c.QueryParam("created_by"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	agents, err := s.engine.ListAgents(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleGetAgentResults(c echo.Context) error {
	results, err := s.engine.GetPhaseResults(c.Request().Context(), c.Param("id"),
		spec.Phase(c.QueryParam("phase")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleGetAgent(c echo.Context) error {
	report, err := s.engine.GetAgentStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handlePauseAgent(c echo.Context) error {
	updated, err := s.engine.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleResumeAgent(c echo.Context) error {
	updated, err := s.engine.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if updated.Status == spec.StatusInProgress {
		s.runDetached(updated.ID)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleCancelAgent(c echo.Context) error {
	updated, err := s.engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleRetryAgent(c echo.Context) error {
	updated, err := s.engine.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleListApprovals(c echo.Context) error {
	specID := c.QueryParam("specification_id")
	state := c.QueryParam("state")

	var (
		requests []*spec.ApprovalRequest
		err      error
	)
	switch state {
	case "", "pending":
		requests, err = s.approvals.ListPending(c.Request().Context(), specID)
	case "expired":
		requests, err = s.approvals.ListExpired(c.Request().Context(), specID)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "state must be pending or expired")
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"approvals": requests,
		"count":     len(requests),
	})
}

func (s *Server) handleResolveApproval(c echo.Context) error {
	var req resolveApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	updated, err := s.engine.HandleApproval(c.Request().Context(), c.Param("id"),
		spec.ApprovalAction(req.Action), req.Reviewer, req.Feedback)
	if err != nil {
		return httpError(err)
	}
	if updated.Status == spec.StatusInProgress {
		s.runDetached(updated.ID)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleGetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, newConfigResponse(s.engine.CurrentConfig()))
}

func (s *Server) handlePatchConfig(c echo.Context) error {
	var req patchConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	patch := &engine.Patch{
		AutoApprovalThreshold: req.AutoApprovalThreshold,
		MaxRetries:            req.MaxRetries,
		AutoRetry:             req.AutoRetry,
		AuditEnabled:          req.AuditEnabled,
	}
	if req.PhaseTimeout != nil {
		d, err := time.ParseDuration(*req.PhaseTimeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid phase_timeout duration")
		}
		patch.PhaseTimeout = &d
	}
	if req.ApprovalTTL != nil {
		d, err := time.ParseDuration(*req.ApprovalTTL)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid approval_ttl duration")
		}
		patch.ApprovalTTL = &d
	}

	updated, err := s.engine.UpdateConfig(patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newConfigResponse(updated))
}
