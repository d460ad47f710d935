package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recky/print-agent/internal/db"
)

type JobLister interface {
	List(ctx context.Context, filter db.JobFilter) ([]db.JobRecord, error)
}

type ListJobsQuery struct {
	Status      string `form:"status" binding:"omitempty,oneof=succeeded failed"`
	Destination string `form:"destination"`
	Limit       int    `form:"limit" binding:"min=0,max=500"`
	Offset      int    `form:"offset" binding:"min=0"`
}

// JobHandler serves the finished-job history. A nil journal means the journal
// is disabled and every request gets 503.
type JobHandler struct {
	journal JobLister
}

func NewJobHandler(journal JobLister) *JobHandler {
	return &JobHandler{journal: journal}
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job journal is disabled"})
		return
	}

	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if query.Limit <= 0 {
		query.Limit = 50
	}

	jobs, err := h.journal.List(c.Request.Context(), db.JobFilter{
		Status:      query.Status,
		Destination: query.Destination,
		Limit:       query.Limit,
		Offset:      query.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(jobs),
	})
}
