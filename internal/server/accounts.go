package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type ensureAccountRequest struct {
	ExternalRef string `json:"external_ref"`
}

func (s *Server) HandleEnsureAccount(c *gin.Context) {
	var req ensureAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.entitlementSvc.EnsureAccount(c.Request.Context(), req.ExternalRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

func (s *Server) HandleGetBalance(c *gin.Context) {
	balance, err := s.entitlementSvc.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) HandleListCreditEvents(c *gin.Context) {
	events, err := s.creditSvc.ListEvents(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) HandleListSessions(c *gin.Context) {
	sessions, err := s.sessionSvc.List(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func queryLimit(c *gin.Context) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
