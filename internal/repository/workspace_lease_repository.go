package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"

	"github.com/go-redis/redis/v8"
)

// WorkspaceLeaseRepository guards a submission's workspace across replicas
// sharing one workspace root. It satisfies workspace.Locker. A held lease is
// refreshed every third of its TTL until released, so a job waiting in the
// queue or running longer than the TTL keeps it.
type WorkspaceLeaseRepository interface {
	Acquire(ctx context.Context, submissionID int64, jobID string) (func(), error)
	Holder(ctx context.Context, submissionID int64) (string, error)
}

type workspaceLeaseRedisRepo struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// releaseScript deletes the lease only while it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only while it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func NewWorkspaceLeaseRepository(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) WorkspaceLeaseRepository {
	if ttl <= 0 {
		ttl = 12 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &workspaceLeaseRedisRepo{rdb: rdb, ttl: ttl, logger: logger}
}

func (r *workspaceLeaseRedisRepo) keyLease(submissionID int64) string {
	return "codegrade:lease:" + strconv.FormatInt(submissionID, 10)
}

// Acquire fails open when redis is unreachable: the in-process guard still
// applies and the lease TTL bounds any overlap.
func (r *workspaceLeaseRedisRepo) Acquire(ctx context.Context, submissionID int64, jobID string) (func(), error) {
	key := r.keyLease(submissionID)
	ok, err := r.rdb.SetNX(ctx, key, jobID, r.ttl).Result()
	if err != nil {
		r.logger.Warn("workspace lease unavailable, continuing without it", "submission_id", submissionID, "err", err)
		return func() {}, nil
	}
	if !ok {
		holder, herr := r.Holder(ctx, submissionID)
		if herr != nil || holder == "" {
			return nil, domain.ErrJobActive
		}
		return nil, fmt.Errorf("%w: held by job %s", domain.ErrJobActive, holder)
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go r.heartbeat(key, submissionID, jobID, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.rdb, []string{key}, jobID).Err(); err != nil && err != redis.Nil {
				r.logger.Warn("workspace lease release failed", "submission_id", submissionID, "err", err)
			}
		})
	}, nil
}

func (r *workspaceLeaseRedisRepo) heartbeat(key string, submissionID int64, jobID string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := refreshScript.Run(rctx, r.rdb, []string{key}, jobID, r.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			r.logger.Warn("workspace lease refresh failed", "submission_id", submissionID, "err", err)
			continue
		}
		if n == 0 {
			r.logger.Warn("workspace lease lost", "submission_id", submissionID, "job_id", jobID)
			return
		}
	}
}

func (r *workspaceLeaseRedisRepo) Holder(ctx context.Context, submissionID int64) (string, error) {
	v, err := r.rdb.Get(ctx, r.keyLease(submissionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis GET lease: %w", err)
	}
	return v, nil
}
