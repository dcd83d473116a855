package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JobStats is satisfied by *worker.Pool.
type JobStats interface {
	Active() int
	Queued() int
}

type healthController struct {
	stats    JobStats
	draining func() bool
}

func NewHealthController(stats JobStats, draining func() bool) *healthController {
	if draining == nil {
		draining = func() bool { return false }
	}
	return &healthController{stats: stats, draining: draining}
}

func (h *healthController) Handle(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if h.draining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	body := gin.H{"status": status}
	if h.stats != nil {
		body["activeJobs"] = h.stats.Active()
		body["queuedJobs"] = h.stats.Queued()
	}
	c.JSON(code, body)
}
