package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checksdomain "github.com/smallbiznis/checkledger/internal/checks/domain"
)

// SubmitChecks debits the estimate and enqueues the run. Work happens on a later dispatch pass.
func (s *Server) SubmitChecks(c *gin.Context) {
	var req checksdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" && strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = key
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	res, err := s.checks.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, res)
}

func (s *Server) EstimateChecks(c *gin.Context) {
	var req checksdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	estimate, err := s.checks.Estimate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, estimate)
}

func (s *Server) GetCheckRun(c *gin.Context) {
	run, err := s.checks.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("tenant_id", run.TenantID)

	c.JSON(http.StatusOK, run)
}
