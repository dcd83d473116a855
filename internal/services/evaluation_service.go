package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/codegrade/internal/archive"
	"github.com/osvaldoandrade/codegrade/internal/executor"
	"github.com/osvaldoandrade/codegrade/internal/metrics"
	"github.com/osvaldoandrade/codegrade/internal/scoring"
	"github.com/osvaldoandrade/codegrade/internal/tracing"
	"github.com/osvaldoandrade/codegrade/internal/workspace"
	"github.com/osvaldoandrade/codegrade/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EvaluationService runs one job end to end: running callback, workspace,
// extraction, execution, parsing, completion callback, cleanup.
type EvaluationService interface {
	Evaluate(ctx context.Context, job *domain.EvaluationJob) domain.EvaluationResult
}

// StateObserver sees every state transition of a job, in order.
type StateObserver func(job domain.EvaluationJob, state domain.JobState)

type EvaluationOptions struct {
	StatusUpdateURL string
	CompletionURL   string
	Command         []string
	Timeout         time.Duration
	DatasetPath     string
	Observer        StateObserver
}

type evaluationService struct {
	workspaces workspace.Manager
	extractor  archive.Extractor
	exec       executor.Executor
	callbacks  CallbackDispatcher
	logger     *slog.Logger
	opts       EvaluationOptions
	now        func() time.Time
}

func NewEvaluationService(ws workspace.Manager, ex archive.Extractor, run executor.Executor, callbacks CallbackDispatcher, logger *slog.Logger, now func() time.Time, opts EvaluationOptions) EvaluationService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = executor.DefaultTimeout
	}
	return &evaluationService{
		workspaces: ws,
		extractor:  ex,
		exec:       run,
		callbacks:  callbacks,
		logger:     logger,
		opts:       opts,
		now:        now,
	}
}

func (s *evaluationService) Evaluate(ctx context.Context, job *domain.EvaluationJob) domain.EvaluationResult {
	start := s.now()
	logger := s.logger.With("submission_id", job.SubmissionID, "job_id", job.ID)

	ctx = tracing.ContextWithRemoteParent(ctx, job.TraceParent, job.TraceState)
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "codegrade.evaluate",
		trace.WithAttributes(
			attribute.Int64("codegrade.submission_id", job.SubmissionID),
			attribute.String("codegrade.job_id", job.ID),
		),
	)
	defer span.End()

	s.transition(job, domain.StateAccepted)
	logger.Info("evaluation started", "file", job.SourceFilePath)

	session := s.callbacks.Open()
	defer session.Close()

	// Callbacks outlive a shutdown cancellation: the coordinator always hears back.
	notifyCtx := context.WithoutCancel(ctx)

	defer func() {
		s.workspaces.Destroy(job.WorkspacePath)
		s.transition(job, domain.StateDone)
	}()

	session.Notify(notifyCtx, domain.NewRunningMessage(s.opts.StatusUpdateURL, job.SubmissionID))
	s.transition(job, domain.StateRunningNotified)

	result, outcome := s.grade(ctx, job, logger)
	if outcome != domain.OutcomeSuccess {
		span.SetStatus(codes.Error, string(outcome))
	}
	span.SetAttributes(
		attribute.String("codegrade.outcome", string(outcome)),
		attribute.Float64("codegrade.score", result.Score),
	)

	session.Notify(notifyCtx, domain.NewCompleteMessage(s.opts.CompletionURL, job.SubmissionID, result))
	s.transition(job, domain.StateCompleteNotified)

	elapsed := s.now().Sub(start)
	metrics.JobsCompletedTotal.WithLabelValues(string(outcome)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	logger.Info("evaluation finished", "outcome", string(outcome), "score", result.Score, "elapsed", elapsed.String())
	return result
}

// grade is the only place lower-layer failures become user-facing log text.
func (s *evaluationService) grade(ctx context.Context, job *domain.EvaluationJob, logger *slog.Logger) (result domain.EvaluationResult, outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("grading panicked", "panic", fmt.Sprint(r))
			s.transition(job, domain.StateErrorTerminal)
			result = domain.FailedResult(fmt.Sprintf("grading system internal error: %v", r))
			outcome = domain.OutcomeInternal
		}
	}()

	fail := func(out domain.Outcome, cause string, err error) (domain.EvaluationResult, domain.Outcome) {
		logger.Error("evaluation failed", "outcome", string(out), "err", err)
		s.transition(job, domain.StateErrorTerminal)
		return domain.FailedResult(cause), out
	}

	if err := ctx.Err(); err != nil {
		return fail(domain.OutcomeInternal, "grading aborted: "+domain.ErrShuttingDown.Error(), err)
	}

	dir, err := s.workspaces.Prepare(job.SubmissionID)
	if err != nil {
		return fail(domain.OutcomeWorkspace, "grading system internal error: "+err.Error(), err)
	}
	job.WorkspacePath = dir
	s.transition(job, domain.StateExtracting)

	if err := s.extractor.Extract(job.SourceFilePath, dir); err != nil {
		var aerr *domain.ArchiveError
		if errors.As(err, &aerr) {
			return fail(domain.OutcomeArchiveError, "submission archive could not be unpacked: "+err.Error(), err)
		}
		return fail(domain.OutcomeInternal, "grading system internal error: "+err.Error(), err)
	}
	logger.Info("archive extracted", "workspace", dir)
	s.transition(job, domain.StateExecuting)

	res, err := s.exec.Run(ctx, s.command(job, dir), dir, s.opts.Timeout)
	if res != nil {
		metrics.ExecutionDurationSeconds.Observe(res.Duration.Seconds())
	}
	if err != nil {
		var terr *domain.TimeoutError
		if errors.As(err, &terr) {
			logger.Error("grading timed out", "timeout", terr.Timeout.String())
			s.transition(job, domain.StateErrorTerminal)
			return scoring.TimeoutResult(err), domain.OutcomeTimeout
		}
		if errors.Is(err, context.Canceled) {
			return fail(domain.OutcomeInternal, "grading aborted: "+domain.ErrShuttingDown.Error(), err)
		}
		return fail(domain.OutcomeExecution, "grading system internal error: "+err.Error(), err)
	}

	result = scoring.Parse(res.ExitCode, res.Stdout, res.Stderr)
	s.transition(job, domain.StateResultReady)
	switch {
	case res.ExitCode != 0:
		outcome = domain.OutcomeScriptFailed
		logger.Error("grading script failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
	case !scoring.Structured(res.Stdout):
		outcome = domain.OutcomeParseFallback
		logger.Warn("grading output is not a structured record; score defaults to 0", "stdout_bytes", len(res.Stdout))
	default:
		outcome = domain.OutcomeSuccess
		logger.Info("grading script succeeded", "score", result.Score)
	}
	return result, outcome
}

func (s *evaluationService) command(job *domain.EvaluationJob, dir string) []string {
	r := strings.NewReplacer(
		"{workspace}", dir,
		"{dataset}", s.opts.DatasetPath,
		"{submissionId}", strconv.FormatInt(job.SubmissionID, 10),
		"{archive}", job.SourceFilePath,
	)
	out := make([]string, len(s.opts.Command))
	for i, arg := range s.opts.Command {
		out[i] = r.Replace(arg)
	}
	return out
}

func (s *evaluationService) transition(job *domain.EvaluationJob, state domain.JobState) {
	s.logger.Debug("job state", "submission_id", job.SubmissionID, "job_id", job.ID, "state", string(state))
	if s.opts.Observer != nil {
		s.opts.Observer(*job, state)
	}
}
