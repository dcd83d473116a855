package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/codegrade/internal/metrics"
	"github.com/osvaldoandrade/codegrade/internal/workspace"
)

// SweeperService removes workspaces left behind by crashed or killed runs.
type SweeperService interface {
	Start(ctx context.Context)
	SweepOnce(ctx context.Context) (int, error)
}

type sweeperService struct {
	workspaces workspace.Manager
	active     func(submissionID int64) bool
	logger     *slog.Logger
	maxAge     time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewSweeperService builds a sweeper that never touches a workspace for which
// active reports true.
func NewSweeperService(ws workspace.Manager, active func(int64) bool, logger *slog.Logger, maxAgeSeconds, intervalSeconds int, now func() time.Time) SweeperService {
	if intervalSeconds <= 0 {
		intervalSeconds = 300
	}
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = 1200
	}
	if active == nil {
		active = func(int64) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &sweeperService{
		workspaces: ws,
		active:     active,
		logger:     logger,
		maxAge:     time.Duration(maxAgeSeconds) * time.Second,
		interval:   time.Duration(intervalSeconds) * time.Second,
		now:        now,
	}
}

func (s *sweeperService) Start(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeperService) sweep(ctx context.Context) {
	removed, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("workspace sweep failed", "err", err)
		return
	}
	if removed > 0 {
		s.logger.Info("workspace sweep removed", "count", removed)
	}
}

func (s *sweeperService) SweepOnce(ctx context.Context) (int, error) {
	entries, err := s.workspaces.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if s.active(e.SubmissionID) || e.ModTime.After(cutoff) {
			continue
		}
		s.logger.Warn("removing stale workspace", "submission_id", e.SubmissionID, "path", e.Path, "mod_time", e.ModTime)
		s.workspaces.Destroy(e.Path)
		removed++
	}
	metrics.WorkspacesSweptTotal.Add(float64(removed))
	return removed, nil
}
