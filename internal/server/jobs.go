package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
)

type submitJobRequest struct {
	TotalRows  int64 `json:"total_rows" binding:"required"`
	CostPerRow int64 `json:"cost_per_row" binding:"required"`
}

func (s *Server) SubmitJob(c *gin.Context) {
	userID, ok := userFromHeader(c)
	if !ok {
		return
	}

	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobSvc.Submit(c.Request.Context(), userID, req.TotalRows, req.CostPerRow)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, jobResponse(job))
}

func (s *Server) GetJob(c *gin.Context) {
	jobID, ok := idFromParam(c)
	if !ok {
		return
	}

	job, err := s.jobSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResponse(job))
}

// WatchJob streams progress events for a job as server-sent events, starting
// with the buffered backlog.
func (s *Server) WatchJob(c *gin.Context) {
	jobID, ok := idFromParam(c)
	if !ok {
		return
	}
	if s.hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "progress_stream_unavailable"})
		return
	}

	sub, backlog, err := s.hub.Subscribe(jobID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	for _, event := range backlog {
		c.SSEvent("progress", event)
	}
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			c.SSEvent("progress", event)
			c.Writer.Flush()
		}
	}
}

func jobResponse(job *jobdomain.Job) gin.H {
	meta, _ := job.DecodeMeta()
	return gin.H{
		"id":               job.ID.String(),
		"user_id":          job.UserID.String(),
		"status":           job.Status,
		"rows_processed":   job.RowsProcessed,
		"progress_percent": job.ProgressPercent,
		"total_rows":       meta.TotalRows,
		"credit_cost":      meta.CreditCost,
		"failure_reason":   job.FailureReason,
		"created_at":       job.CreatedAt,
	}
}

func userFromHeader(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid user"})
		return 0, false
	}
	return snowflake.ParseInt64(parsed), true
}

func idFromParam(c *gin.Context) (snowflake.ID, bool) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || parsed <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return snowflake.ParseInt64(parsed), true
}
