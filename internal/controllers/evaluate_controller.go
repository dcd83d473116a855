package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/codegrade/internal/middleware"
	"github.com/osvaldoandrade/codegrade/internal/services"
	"github.com/osvaldoandrade/codegrade/pkg/domain"

	"github.com/gin-gonic/gin"
)

const acceptedMessage = "Evaluation task accepted."

type evaluateController struct{ svc services.SubmissionService }

func NewEvaluateController(s services.SubmissionService) *evaluateController {
	return &evaluateController{svc: s}
}

func (h *evaluateController) Handle(c *gin.Context) {
	var req domain.EvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: submissionId and filePath are required")
		return
	}
	job, err := h.svc.Accept(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		msg := err.Error()
		switch {
		case errors.Is(err, domain.ErrSubmissionNotFound):
			status = http.StatusNotFound
			msg = "File not found on grading server."
		case errors.Is(err, domain.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, domain.ErrJobActive):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShuttingDown):
			status = http.StatusServiceUnavailable
			c.Header("Retry-After", "5")
		}
		middleware.Logger(c).Warn("evaluation rejected", "submission_id", *req.SubmissionID, "status", status, "err", err)
		errorJSON(c, status, msg)
		return
	}
	c.JSON(http.StatusAccepted, domain.EvaluationAccepted{
		Message:      acceptedMessage,
		SubmissionID: job.SubmissionID,
		JobID:        job.ID,
	})
}

// errorJSON carries the message under both "error" and "detail" so coordinators
// written against either shape can read it.
func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg, "detail": msg})
}
