package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/osvaldoandrade/codegrade/internal/metrics"
	"github.com/osvaldoandrade/codegrade/internal/tracing"
	"github.com/osvaldoandrade/codegrade/internal/worker"
	"github.com/osvaldoandrade/codegrade/internal/workspace"
	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

// SubmissionService validates evaluation requests and hands accepted jobs to
// the worker pool. Accept never waits for grading.
type SubmissionService interface {
	Accept(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationJob, error)
}

// JobQueue is satisfied by *worker.Pool.
type JobQueue interface {
	Submit(t worker.Task) error
}

type submissionService struct {
	uploadRoot string
	locker     workspace.Locker
	queue      JobQueue
	evaluator  EvaluationService
	logger     *slog.Logger
	now        func() time.Time
}

func NewSubmissionService(uploadRoot string, locker workspace.Locker, queue JobQueue, evaluator EvaluationService, logger *slog.Logger, now func() time.Time) (SubmissionService, error) {
	abs, err := filepath.Abs(uploadRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &submissionService{
		uploadRoot: abs,
		locker:     locker,
		queue:      queue,
		evaluator:  evaluator,
		logger:     logger,
		now:        now,
	}, nil
}

func (s *submissionService) Accept(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationJob, error) {
	if req.SubmissionID == nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: submissionId is required", domain.ErrInvalidRequest))
	}
	submissionID := *req.SubmissionID
	src, err := s.resolve(req.FilePath)
	if err != nil {
		return nil, s.reject("invalid", err)
	}
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		s.logger.Warn("submission file missing", "submission_id", submissionID, "path", src)
		return nil, s.reject("not_found", domain.ErrSubmissionNotFound)
	}

	job := &domain.EvaluationJob{
		ID:             uuid.NewString(),
		SubmissionID:   submissionID,
		SourceFilePath: src,
		CreatedAt:      s.now().UTC(),
	}
	job.TraceParent, job.TraceState = tracing.TraceContextStrings(ctx)

	release, err := s.locker.Acquire(ctx, job.SubmissionID, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobActive) {
			return nil, s.reject("active", err)
		}
		return nil, s.reject("internal", err)
	}

	err = s.queue.Submit(func(ctx context.Context) {
		defer release()
		s.evaluator.Evaluate(ctx, job)
	})
	if err != nil {
		release()
		reason := "queue_full"
		if errors.Is(err, domain.ErrShuttingDown) {
			reason = "shutting_down"
		}
		return nil, s.reject(reason, err)
	}

	metrics.JobsAcceptedTotal.Inc()
	s.logger.Info("evaluation accepted", "submission_id", job.SubmissionID, "job_id", job.ID, "file", src)
	return job, nil
}

// resolve keeps only the final path component of the client-supplied name and
// anchors it under the upload root.
func (s *submissionService) resolve(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return "", fmt.Errorf("%w: filePath is required", domain.ErrInvalidRequest)
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == "/" || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: filePath %q has no file name", domain.ErrInvalidRequest, name)
	}
	p := filepath.Join(s.uploadRoot, base)
	rel, err := filepath.Rel(s.uploadRoot, p)
	if err != nil || rel != base {
		return "", fmt.Errorf("%w: filePath %q escapes upload dir", domain.ErrInvalidRequest, name)
	}
	return p, nil
}

func (s *submissionService) reject(reason string, err error) error {
	metrics.JobsRejectedTotal.WithLabelValues(reason).Inc()
	return err
}
