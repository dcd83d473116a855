package services

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osvaldoandrade/codegrade/internal/workspace"
)

func TestSweepOnceRemovesOnlyStaleInactive(t *testing.T) {
	root := t.TempDir()
	ws, err := workspace.NewManager(root, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []int64{1, 2, 3} {
		dir, err := ws.Prepare(id)
		if err != nil {
			t.Fatal(err)
		}
		if id != 3 {
			if err := os.Chtimes(dir, old, old); err != nil {
				t.Fatal(err)
			}
		}
	}
	// non-workspace entries are left alone
	if err := os.Mkdir(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}

	active := func(id int64) bool { return id == 2 }
	svc := NewSweeperService(ws, active, slog.Default(), 3600, 60, nil)

	removed, err := svc.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	for id, want := range map[string]bool{"1": false, "2": true, "3": true, "notes": true} {
		_, err := os.Stat(filepath.Join(root, id))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists=%v want %v", id, exists, want)
		}
	}
}

func TestSweepOnceMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "never-created")
	ws, err := workspace.NewManager(root, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewSweeperService(ws, nil, slog.Default(), 60, 60, nil)
	removed, err := svc.SweepOnce(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("removed=%d err=%v", removed, err)
	}
}

func TestSweeperStartStopsOnCancel(t *testing.T) {
	ws, _ := workspace.NewManager(t.TempDir(), slog.Default())
	svc := NewSweeperService(ws, nil, slog.Default(), 60, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
