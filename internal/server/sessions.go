package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type startSessionRequest struct {
	AccountID string `json:"account_id"`
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) HandleStartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	snapshot, err := s.sessionSvc.Start(c.Request.Context(), req.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}

func (s *Server) HandleGetSession(c *gin.Context) {
	snapshot, err := s.sessionSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) HandleSessionHeartbeat(c *gin.Context) {
	snapshot, err := s.sessionSvc.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) HandleStopSession(c *gin.Context) {
	var req stopSessionRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	snapshot, err := s.sessionSvc.Stop(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
