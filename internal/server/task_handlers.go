package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laplacelab/lapgw/internal/exchange"
	"github.com/laplacelab/lapgw/internal/util"
)

type taskBootstrapRequest struct {
	AgentID        string `json:"agent_id" binding:"required"`
	TaskName       string `json:"task_name"`
	InitialMessage string `json:"initial_message"`
}

type taskBootstrapResponse struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
}

// handleTaskBootstrap creates an agent task and fires off its first
// chat message in the background.
func (s *Server) handleTaskBootstrap(c *gin.Context) {
	var req taskBootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, util.NewValidationError("invalid bootstrap request: "+err.Error()))
		return
	}

	secret := extractPAT(c, nil)
	if secret == "" {
		s.abortWithError(c, util.ErrUnauthorized)
		return
	}

	if _, _, err := s.manager.Verify(c.Request.Context(), secret); err != nil {
		s.abortWithError(c, err)
		return
	}

	if s.exchanger == nil {
		s.abortWithError(c, &util.ConfigError{Field: "agentPlatform", Message: "token exchange is not configured"})
		return
	}

	result, err := s.exchanger.Exchange(c.Request.Context(), secret, "", exchange.DefaultRequest(nil, nil))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	created, err := s.tasks.CreateTask(c.Request.Context(), result.AccessToken, req.AgentID, req.TaskName)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if req.InitialMessage != "" && s.supervisor != nil {
		accessToken := result.AccessToken
		agentID := req.AgentID
		taskID := created.ID
		message := req.InitialMessage
		s.supervisor.Go("chat-kickoff", func(ctx context.Context) error {
			return s.tasks.KickoffChat(ctx, accessToken, taskID, agentID, message)
		})
	}

	c.JSON(http.StatusCreated, taskBootstrapResponse{
		TaskID:   created.ID,
		TaskName: created.Name,
	})
}
