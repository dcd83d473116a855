//go:build unix

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zip"
)

type callbackLog struct {
	mu    sync.Mutex
	paths []string
	body  []map[string]any
}

func (l *callbackLog) snapshot() ([]string, []map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...), append([]map[string]any(nil), l.body...)
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHTTPIntegrationFlow(t *testing.T) {
	t.Setenv("APP_ENV", "")
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	calls := &callbackLog{}
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls.mu.Lock()
		calls.paths = append(calls.paths, r.URL.Path)
		calls.body = append(calls.body, body)
		calls.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(coordinator.Close)

	tmp := t.TempDir()
	uploads := filepath.Join(tmp, "uploads")
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		t.Fatal(err)
	}
	writeZip(t, filepath.Join(uploads, "sub_77.zip"), map[string]string{
		"score.json": `{"score": 92, "log": "9/10 tests passed"}`,
	})

	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.UploadBaseDir = uploads
	cfg.WorkspaceRoot = filepath.Join(tmp, "grading_temp")
	cfg.StatusUpdateURL = coordinator.URL + "/api/submissions/{submissionId}/status"
	cfg.CompletionURL = coordinator.URL + "/api/submissions/{submissionId}/complete"
	cfg.GradingCommand = []string{"sh", "-c", `sleep 0.3; cat "$1/score.json"`, "grader", "{workspace}"}
	cfg.GradingTimeoutSeconds = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	application, err := NewApplication(cfg, WithLogger(slog.Default()), WithRedis(rdb))
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	SetupMappings(application)
	application.Start(context.Background())
	srv := httptest.NewServer(application.Engine)
	t.Cleanup(srv.Close)

	resp, out := postJSON(t, srv.URL+"/v1/grader/evaluate", map[string]any{"submissionId": 77, "filePath": "/var/app/uploads/sub_77.zip"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("evaluate status = %d body=%v", resp.StatusCode, out)
	}
	if out["message"] != "Evaluation task accepted." || out["submissionId"] != float64(77) {
		t.Fatalf("unexpected accept body %v", out)
	}

	resp, _ = postJSON(t, srv.URL+"/evaluate", map[string]any{"submissionId": 77, "filePath": "sub_77.zip"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate evaluate status = %d, want 409", resp.StatusCode)
	}

	resp, out = postJSON(t, srv.URL+"/evaluate", map[string]any{"submissionId": 78, "filePath": "missing.zip"})
	if resp.StatusCode != http.StatusNotFound || out["detail"] != "File not found on grading server." {
		t.Fatalf("missing file status = %d body=%v", resp.StatusCode, out)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		paths, _ := calls.snapshot()
		if len(paths) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for callbacks, got %v", paths)
		}
		time.Sleep(20 * time.Millisecond)
	}
	paths, bodies := calls.snapshot()
	if len(paths) != 2 {
		t.Fatalf("expected exactly two callbacks, got %v", paths)
	}
	if paths[0] != "/api/submissions/77/status" || paths[1] != "/api/submissions/77/complete" {
		t.Fatalf("unexpected callback order %v", paths)
	}
	if len(bodies[0]) != 0 {
		t.Fatalf("running callback body must be empty, got %v", bodies[0])
	}
	if bodies[1]["score"] != float64(92) || bodies[1]["log"] != "9/10 tests passed" {
		t.Fatalf("completion body = %v", bodies[1])
	}

	// the job releases its workspace and lease right after the completion callback
	deadline = time.Now().Add(5 * time.Second)
	for mr.Exists("codegrade:lease:77") || application.Locks.IsActive(77) {
		if time.Now().After(deadline) {
			t.Fatal("lease not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceRoot, "77")); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", health.StatusCode)
	}

	m, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metricsBody, _ := io.ReadAll(m.Body)
	m.Body.Close()
	if !strings.Contains(string(metricsBody), "codegrade_jobs_accepted_total") {
		t.Fatal("metrics endpoint does not expose job counters")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	resp, _ = postJSON(t, srv.URL+"/evaluate", map[string]any{"submissionId": 79, "filePath": "sub_77.zip"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("evaluate after shutdown = %d, want 503", resp.StatusCode)
	}
}
