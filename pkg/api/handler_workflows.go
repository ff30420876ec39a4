package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/knowledge"
	"github.com/amelia-ai/amelia/pkg/orchestrator"
	"github.com/amelia-ai/amelia/pkg/state"
)

// StartWorkflowRequest is the body of POST /api/workflows.
type StartWorkflowRequest struct {
	Issue     state.Issue `json:"issue" binding:"required"`
	ProfileID string      `json:"profile_id" binding:"required"`
}

func (s *Server) startWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Issue.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue.id is required"})
		return
	}

	workflowID, err := s.workflows.Start(c.Request.Context(), req.ProfileID, req.Issue)
	if err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow_id": workflowID})
}

func (s *Server) listWorkflows(c *gin.Context) {
	summaries, err := s.lister.ListWorkflows(c.Request.Context())
	if err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": summaries})
}

func (s *Server) getWorkflow(c *gin.Context) {
	cp, err := s.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflow_id": cp.WorkflowID,
		"step":        cp.Step,
		"updated_at":  cp.CreatedAt,
		"state":       cp.State,
	})
}

func (s *Server) approveWorkflow(c *gin.Context) {
	if err := s.workflows.Approve(c.Request.Context(), c.Param("id")); err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) rejectWorkflow(c *gin.Context) {
	if err := s.workflows.Reject(c.Request.Context(), c.Param("id")); err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	if err := s.workflows.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// IngestRequest is the body of POST /api/ingest.
type IngestRequest struct {
	Source      string `json:"source" binding:"required"`
	ContentType string `json:"content_type"`
	WorkflowID  string `json:"workflow_id"`
}

func (s *Server) queueIngestion(c *gin.Context) {
	if s.ingestion == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no ingestion pipeline configured"})
		return
	}
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.ingestion.QueueIngestion(c.Request.Context(), knowledge.IngestionRequest{
		Source:      req.Source,
		ContentType: req.ContentType,
		WorkflowID:  req.WorkflowID,
	})
	if err != nil {
		s.workflowError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ingestion_id": id})
}

// workflowError maps orchestrator errors onto the status contract.
func (s *Server) workflowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
	case errors.Is(err, config.ErrUnknownProfile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotAwaiting):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
