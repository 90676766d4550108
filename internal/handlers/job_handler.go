package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"drivingschool-backend/internal/background"
	"drivingschool-backend/pkg/logger"
)

// JobMonitor reports and triggers periodic background jobs.
type JobMonitor interface {
	Stats() []background.JobStats
	JobStats(name string) (background.JobStats, bool)
	Trigger(name string) error
}

type JobHandler struct {
	jobs JobMonitor
}

func NewJobHandler(jobs JobMonitor) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// List returns the state of every registered job.
func (h *JobHandler) List(c *gin.Context) {
	if h == nil || h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "background jobs unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.Stats()})
}

// Run queues an extra run of the named job.
func (h *JobHandler) Run(c *gin.Context) {
	if h == nil || h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "background jobs unavailable"})
		return
	}

	name := c.Param("name")
	err := h.jobs.Trigger(name)
	switch {
	case err == nil:
	case errors.Is(err, background.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	case errors.Is(err, background.ErrRunPending):
		c.JSON(http.StatusConflict, gin.H{"error": "a run of this job is already pending"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger job"})
		return
	}

	logger.InfoContext(c.Request.Context(), "Background job triggered", map[string]interface{}{
		"job":     name,
		"user_id": c.GetUint("user_id"),
	})

	stats, _ := h.jobs.JobStats(name)
	c.JSON(http.StatusAccepted, stats)
}
