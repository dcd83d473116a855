package domain

// EvaluationResult is produced exactly once per job and is never mutated afterwards.
type EvaluationResult struct {
	Score float64 `json:"score"`
	Log   string  `json:"log"`
}

// Payload is the body of the completion callback.
func (r EvaluationResult) Payload() map[string]any {
	return map[string]any{
		"score": r.Score,
		"log":   r.Log,
	}
}

func FailedResult(cause string) EvaluationResult {
	return EvaluationResult{Score: 0, Log: cause}
}
