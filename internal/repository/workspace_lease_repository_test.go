package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupLeaseRepo(t *testing.T) (context.Context, *miniredis.Miniredis, WorkspaceLeaseRepository) {
	t.Helper()
	return setupLeaseRepoTTL(t, time.Minute)
}

func setupLeaseRepoTTL(t *testing.T, ttl time.Duration) (context.Context, *miniredis.Miniredis, WorkspaceLeaseRepository) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return context.Background(), mr, NewWorkspaceLeaseRepository(rdb, ttl, slog.Default())
}

func TestLeaseAcquireAndRelease(t *testing.T) {
	ctx, mr, repo := setupLeaseRepo(t)

	release, err := repo.Acquire(ctx, 42, "job-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got, _ := repo.Holder(ctx, 42); got != "job-a" {
		t.Fatalf("holder = %q", got)
	}
	if ttl := mr.TTL("codegrade:lease:42"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	_, err = repo.Acquire(ctx, 42, "job-b")
	if !errors.Is(err, domain.ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
	if !strings.Contains(err.Error(), "job-a") {
		t.Fatalf("conflict should name the holding job, got %q", err)
	}

	release()
	if mr.Exists("codegrade:lease:42") {
		t.Fatal("lease not released")
	}
	release2, err := repo.Acquire(ctx, 42, "job-b")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release2()
}

func TestLeaseReleaseKeepsForeignHolder(t *testing.T) {
	ctx, mr, repo := setupLeaseRepo(t)

	release, err := repo.Acquire(ctx, 7, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	// lease expired and another replica took over
	mr.FastForward(2 * time.Minute)
	if _, err := repo.Acquire(ctx, 7, "job-b"); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	release()
	if got, _ := repo.Holder(ctx, 7); got != "job-b" {
		t.Fatalf("stale release removed the new holder, holder=%q", got)
	}
}

func TestLeaseFailsOpenWithoutRedis(t *testing.T) {
	ctx, mr, repo := setupLeaseRepo(t)
	mr.Close()

	release, err := repo.Acquire(ctx, 1, "job-a")
	if err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	release()
	if _, err := repo.Holder(ctx, 1); err == nil {
		t.Fatal("expected holder lookup to fail without redis")
	}
}

func TestLeaseSurvivesLongQueueWait(t *testing.T) {
	ttl := 600 * time.Millisecond
	ctx, mr, repo := setupLeaseRepoTTL(t, ttl)
	key := "codegrade:lease:9"

	release, err := repo.Acquire(ctx, 9, "job-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// ten TTLs pass while the job sits in the queue
	for i := 0; i < 15; i++ {
		mr.FastForward(400 * time.Millisecond)
		if !mr.Exists(key) {
			t.Fatalf("lease expired after %d steps", i+1)
		}
		deadline := time.Now().Add(2 * time.Second)
		for mr.TTL(key) != ttl {
			if time.Now().After(deadline) {
				t.Fatalf("lease not refreshed, ttl=%v", mr.TTL(key))
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if _, err := repo.Acquire(ctx, 9, "job-b"); !errors.Is(err, domain.ErrJobActive) {
		t.Fatalf("second replica took a refreshed lease: %v", err)
	}

	release()
	release()
	if mr.Exists(key) {
		t.Fatal("lease not released")
	}
}

func TestLeaseHeartbeatStopsWhenLost(t *testing.T) {
	ttl := 300 * time.Millisecond
	ctx, mr, repo := setupLeaseRepoTTL(t, ttl)
	key := "codegrade:lease:3"

	release, err := repo.Acquire(ctx, 3, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := mr.Set(key, "job-b"); err != nil {
		t.Fatal(err)
	}
	mr.SetTTL(key, time.Minute)
	time.Sleep(250 * time.Millisecond)
	if mr.TTL(key) != time.Minute {
		t.Fatalf("heartbeat extended a foreign lease, ttl=%v", mr.TTL(key))
	}
	release()
	if got, _ := repo.Holder(ctx, 3); got != "job-b" {
		t.Fatalf("holder = %q", got)
	}
}
