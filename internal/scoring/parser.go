// Package scoring turns the raw output of a grading program into an EvaluationResult.
//
// A successful grading program prints exactly one JSON object on stdout:
//
//	{"score": 95.5, "log": "All tests passed."}
//
// "score" is required and must be a finite number >= 0; "log" is optional.
// Anything else on a zero exit falls back to score 0 with stdout kept verbatim as the log.
package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

const (
	ScriptFailedMarker = "grading script failed"
	TimeoutMarker      = "grading timed out"
)

type record struct {
	Score *float64 `json:"score"`
	Log   *string  `json:"log"`
}

// Parse never fails; every input maps to a result.
func Parse(exitCode int, stdout, stderr string) domain.EvaluationResult {
	if exitCode != 0 {
		return domain.EvaluationResult{
			Score: 0,
			Log:   fmt.Sprintf("%s (exit code %d):\n%s", ScriptFailedMarker, exitCode, stderr),
		}
	}
	res, ok := decode(stdout)
	if !ok {
		return domain.EvaluationResult{Score: 0, Log: stdout}
	}
	return res
}

// Structured reports whether stdout satisfies the structured record contract.
func Structured(stdout string) bool {
	_, ok := decode(stdout)
	return ok
}

func decode(stdout string) (domain.EvaluationResult, bool) {
	trimmed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(trimmed, "{") {
		return domain.EvaluationResult{}, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return domain.EvaluationResult{}, false
	}
	if dec.More() {
		return domain.EvaluationResult{}, false
	}
	if rec.Score == nil || math.IsNaN(*rec.Score) || math.IsInf(*rec.Score, 0) || *rec.Score < 0 {
		return domain.EvaluationResult{}, false
	}
	out := domain.EvaluationResult{Score: *rec.Score}
	if rec.Log != nil {
		out.Log = *rec.Log
	}
	return out, true
}

// TimeoutResult is the synthesized result for a run killed at its deadline.
func TimeoutResult(err error) domain.EvaluationResult {
	return domain.FailedResult(fmt.Sprintf("%s: %v. Check the submission for infinite loops or inefficient code.", TimeoutMarker, err))
}
