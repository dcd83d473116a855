package domain

import (
	"encoding"
	"time"
)

// EvaluationRequest is the inbound body of POST /evaluate. SubmissionID is a
// pointer so that 0 is a valid id while a missing field is still rejected.
type EvaluationRequest struct {
	SubmissionID *int64 `json:"submissionId" binding:"required"`
	FilePath     string `json:"filePath" binding:"required"` // only the basename is honored
}

type EvaluationAccepted struct {
	Message      string `json:"message"`
	SubmissionID int64  `json:"submissionId"`
	JobID        string `json:"jobId,omitempty"`
}

// EvaluationJob owns its workspace directory for the duration of a single run.
type EvaluationJob struct {
	ID             string    `json:"id"`
	SubmissionID   int64     `json:"submissionId"`
	SourceFilePath string    `json:"sourceFilePath"`
	WorkspacePath  string    `json:"workspacePath,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	// TraceParent/TraceState carry the W3C trace context of the accepting request
	// into the asynchronous run.
	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`
}

type JobState string

const (
	StateAccepted         JobState = "ACCEPTED"
	StateRunningNotified  JobState = "RUNNING_NOTIFIED"
	StateExtracting       JobState = "EXTRACTING"
	StateExecuting        JobState = "EXECUTING"
	StateResultReady      JobState = "RESULT_READY"
	StateErrorTerminal    JobState = "ERROR_TERMINAL"
	StateCompleteNotified JobState = "COMPLETE_NOTIFIED"
	StateDone             JobState = "DONE"
)

var (
	_ encoding.TextMarshaler = JobState("")
)

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s JobState) String() string { return string(s) }

// Outcome labels a finished job for metrics and logs.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeParseFallback Outcome = "parse_fallback"
	OutcomeScriptFailed  Outcome = "script_failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeArchiveError  Outcome = "archive_error"
	OutcomeWorkspace     Outcome = "workspace_error"
	OutcomeExecution     Outcome = "execution_error"
	OutcomeInternal      Outcome = "internal_error"
)
