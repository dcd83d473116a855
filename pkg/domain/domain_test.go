package domain

import (
	"errors"
	"io/fs"
	"testing"
	"time"
)

func TestExpandCallbackURL(t *testing.T) {
	tests := []struct {
		name     string
		template string
		id       int64
		want     string
	}{
		{"running", "http://coord/api/internal/submissions/{submissionId}/running", 42, "http://coord/api/internal/submissions/42/running"},
		{"no placeholder", "http://coord/hook", 7, "http://coord/hook"},
		{"repeated", "http://coord/{submissionId}?id={submissionId}", 3, "http://coord/3?id=3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandCallbackURL(tt.template, tt.id); got != tt.want {
				t.Errorf("ExpandCallbackURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRunningMessageHasEmptyPayload(t *testing.T) {
	msg := NewRunningMessage("http://c/{submissionId}/running", 9)
	if msg.Kind != CallbackRunning {
		t.Fatalf("kind = %s", msg.Kind)
	}
	if msg.Payload == nil || len(msg.Payload) != 0 {
		t.Fatalf("expected empty non-nil payload, got %#v", msg.Payload)
	}
	if msg.TargetURL != "http://c/9/running" {
		t.Fatalf("url = %s", msg.TargetURL)
	}
}

func TestNewCompleteMessagePayload(t *testing.T) {
	msg := NewCompleteMessage("http://c/{submissionId}/complete", 9, EvaluationResult{Score: 87.5, Log: "ok"})
	if msg.Payload["score"] != 87.5 {
		t.Errorf("score = %v", msg.Payload["score"])
	}
	if msg.Payload["log"] != "ok" {
		t.Errorf("log = %v", msg.Payload["log"])
	}
}

func TestErrorsUnwrap(t *testing.T) {
	var werr error = &WorkspaceError{Path: "/tmp/x", Err: fs.ErrPermission}
	if !errors.Is(werr, fs.ErrPermission) {
		t.Error("WorkspaceError should unwrap to its cause")
	}

	var aerr error = &ArchiveError{Archive: "a.zip", Entry: "../x", Err: errors.New("path escapes destination")}
	var target *ArchiveError
	if !errors.As(aerr, &target) || target.Entry != "../x" {
		t.Error("errors.As should find ArchiveError")
	}

	terr := &TimeoutError{Timeout: 2 * time.Second}
	if terr.Error() != "grading exceeded deadline of 2s" {
		t.Errorf("unexpected timeout message: %s", terr.Error())
	}

	eerr := &ExecutionError{ExitCode: -1, Err: errors.New("not found")}
	if eerr.Error() != "grading program could not run: not found" {
		t.Errorf("unexpected execution message: %s", eerr.Error())
	}

	cerr := &CallbackError{URL: "http://c", StatusCode: 500}
	if cerr.Error() != "callback http://c rejected with status 500" {
		t.Errorf("unexpected callback message: %s", cerr.Error())
	}
}

func TestJobStateMarshalText(t *testing.T) {
	got, err := StateCompleteNotified.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "COMPLETE_NOTIFIED" {
		t.Errorf("MarshalText() = %s", got)
	}
}
