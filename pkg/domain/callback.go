package domain

import (
	"strconv"
	"strings"
)

type CallbackKind string

const (
	CallbackRunning  CallbackKind = "running"
	CallbackComplete CallbackKind = "complete"
)

// CallbackMessage is built per dispatch and discarded afterwards.
type CallbackMessage struct {
	Kind         CallbackKind
	SubmissionID int64
	TargetURL    string
	Payload      map[string]any
}

const SubmissionIDPlaceholder = "{submissionId}"

// ExpandCallbackURL substitutes the submission id into a coordinator URL template.
func ExpandCallbackURL(template string, submissionID int64) string {
	return strings.ReplaceAll(template, SubmissionIDPlaceholder, strconv.FormatInt(submissionID, 10))
}

func NewRunningMessage(template string, submissionID int64) CallbackMessage {
	return CallbackMessage{
		Kind:         CallbackRunning,
		SubmissionID: submissionID,
		TargetURL:    ExpandCallbackURL(template, submissionID),
		Payload:      map[string]any{},
	}
}

func NewCompleteMessage(template string, submissionID int64, res EvaluationResult) CallbackMessage {
	return CallbackMessage{
		Kind:         CallbackComplete,
		SubmissionID: submissionID,
		TargetURL:    ExpandCallbackURL(template, submissionID),
		Payload:      res.Payload(),
	}
}
