package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/scheduler"
	"github.com/gin-gonic/gin"
)

type JobRunner interface {
	ListJobs() []model.JobStatus
	RunJob(ctx context.Context, name string) error
}

type JobHandler struct {
	jobs           JobRunner
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func NewJobHandler(jobs JobRunner) *JobHandler {
	return &JobHandler{jobs: jobs, defaultTimeout: 10 * time.Minute, maxTimeout: time.Hour}
}

func (h *JobHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.ListJobs()})
}

// Run triggers a job and waits for it. A job that ran and failed is still a
// 200 with status "failed"; 4xx means it did not run.
func (h *JobHandler) Run(c *gin.Context) {
	name := c.Param("name")
	timeout := h.defaultTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.Error(apperrors.NewInvalidRequest("timeout must be a positive duration like 90s"))
			return
		}
		timeout = min(d, h.maxTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	started := time.Now()
	err := h.jobs.RunJob(ctx, name)
	elapsed := time.Since(started).Milliseconds()

	switch {
	case errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, scheduler.ErrJobRunning),
		errors.Is(err, scheduler.ErrLockHeld):
		c.Error(err)
		return
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"job": name, "status": "failed", "error": err.Error(), "duration_ms": elapsed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "status": "success", "duration_ms": elapsed})
}
