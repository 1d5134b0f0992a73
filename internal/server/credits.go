package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
)

func (s *Server) DebitCredits(c *gin.Context) {
	var req creditdomain.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	res, err := s.credits.Debit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) RefundCredits(c *gin.Context) {
	var req creditdomain.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	res, err := s.credits.RefundFeature(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) GrantCredits(c *gin.Context) {
	var req creditdomain.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	res, err := s.credits.Grant(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) ResetIncludedCredits(c *gin.Context) {
	var req creditdomain.ResetIncludedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))

	res, err := s.credits.ResetIncluded(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	c.Set("tenant_id", tenantID)

	balance, err := s.credits.GetBalance(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	c.Set("tenant_id", tenantID)

	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
			return
		}
		pageSize = parsed
	}

	res, err := s.credits.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		TenantID:  tenantID,
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
