//go:build unix

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

func TestRunCapturesStreamsAndExitCode(t *testing.T) {
	dir := t.TempDir()
	ex := New(Options{Env: []string{"GRADER_DATASET_PATH=/data/test.csv"}})

	res, err := ex.Run(context.Background(), []string{"sh", "-c", `echo "out:$GRADER_DATASET_PATH"; echo "err" >&2; pwd; exit 3`}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "out:/data/test.csv") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	wd, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(res.Stdout, wd) && !strings.Contains(res.Stdout, dir) {
		t.Errorf("expected child to run in %s, stdout = %q", dir, res.Stdout)
	}
}

func TestRunSuccess(t *testing.T) {
	res, err := New(Options{}).Run(context.Background(), []string{"sh", "-c", `printf '{"score": 1}'`}, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != `{"score": 1}` {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunTimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	ex := New(Options{WaitDelay: 500 * time.Millisecond})

	start := time.Now()
	res, err := ex.Run(context.Background(), []string{"sh", "-c", "sleep 30 & echo $! > child.pid; wait"}, dir, 300*time.Millisecond)
	elapsed := time.Since(start)

	var terr *domain.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if terr.Timeout != 300*time.Millisecond {
		t.Errorf("Timeout = %s", terr.Timeout)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Run returned after %s; deadline not enforced", elapsed)
	}
	if res == nil || res.PID == 0 {
		t.Fatal("expected partial result with pid")
	}

	if !eventuallyDead(res.PID) {
		t.Errorf("grading process %d still running", res.PID)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	child, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	if child > 0 && !eventuallyDead(child) {
		t.Errorf("grandchild %d survived the deadline", child)
	}
}

func TestRunParentCancelIsExecutionError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := New(Options{}).Run(ctx, []string{"sleep", "10"}, t.TempDir(), 10*time.Second)
	var eerr *domain.ExecutionError
	if !errors.As(err, &eerr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := New(Options{}).Run(context.Background(), []string{"/definitely/not/a/grader"}, t.TempDir(), time.Second)
	var eerr *domain.ExecutionError
	if !errors.As(err, &eerr) || eerr.ExitCode != -1 {
		t.Fatalf("expected ExecutionError with exit -1, got %v", err)
	}

	_, err = New(Options{}).Run(context.Background(), nil, t.TempDir(), time.Second)
	if !errors.As(err, &eerr) {
		t.Fatalf("expected ExecutionError for empty command, got %v", err)
	}
}

// eventuallyDead treats zombies as dead: an orphan may wait for its reaper.
func eventuallyDead(pid int) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
		if err != nil {
			return true
		}
		if fields := strings.Fields(string(stat)); len(fields) > 2 && fields[2] == "Z" {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
