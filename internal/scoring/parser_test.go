package scoring

import (
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		exitCode  int
		stdout    string
		stderr    string
		wantScore float64
		wantLog   string
	}{
		{"well formed", 0, `{"score": 95.5, "log": "All tests passed."}`, "", 95.5, "All tests passed."},
		{"surrounding whitespace", 0, "\n  {\"score\": 10, \"log\": \"ok\"}\n", "", 10, "ok"},
		{"missing log", 0, `{"score": 3}`, "", 3, ""},
		{"integer zero", 0, `{"score": 0, "log": "nothing passed"}`, "", 0, "nothing passed"},
		{"plain text", 0, "All tests passed\n", "", 0, "All tests passed\n"},
		{"missing score", 0, `{"log": "no score"}`, "", 0, `{"log": "no score"}`},
		{"negative score", 0, `{"score": -1, "log": "x"}`, "", 0, `{"score": -1, "log": "x"}`},
		{"string score", 0, `{"score": "95", "log": "x"}`, "", 0, `{"score": "95", "log": "x"}`},
		{"two records", 0, `{"score": 1}{"score": 2}`, "", 0, `{"score": 1}{"score": 2}`},
		{"truncated json", 0, `{"score": 1, "log": "cut`, "", 0, `{"score": 1, "log": "cut`},
		{"empty stdout", 0, "", "", 0, ""},
		{"json array", 0, `[1,2]`, "", 0, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.exitCode, tt.stdout, tt.stderr)
			if got.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", got.Score, tt.wantScore)
			}
			if got.Log != tt.wantLog {
				t.Errorf("Log = %q, want %q", got.Log, tt.wantLog)
			}
		})
	}
}

func TestParseNonZeroExit(t *testing.T) {
	got := Parse(2, `{"score": 100, "log": "ignored"}`, "Traceback: boom")
	if got.Score != 0 {
		t.Errorf("Score = %v, want 0", got.Score)
	}
	if !strings.HasPrefix(got.Log, ScriptFailedMarker) {
		t.Errorf("Log should start with failure marker: %q", got.Log)
	}
	if !strings.Contains(got.Log, "exit code 2") || !strings.HasSuffix(got.Log, "Traceback: boom") {
		t.Errorf("Log = %q", got.Log)
	}
}

func TestStructured(t *testing.T) {
	if !Structured(`{"score": 1.5}`) {
		t.Error("expected structured record")
	}
	if Structured("score=1.5") {
		t.Error("plain text must not count as structured")
	}
}

func TestTimeoutResult(t *testing.T) {
	got := TimeoutResult(&domain.TimeoutError{Timeout: 10 * time.Minute})
	if got.Score != 0 {
		t.Errorf("Score = %v", got.Score)
	}
	if !strings.Contains(got.Log, TimeoutMarker) || !strings.Contains(got.Log, "10m0s") {
		t.Errorf("Log = %q", got.Log)
	}
}
