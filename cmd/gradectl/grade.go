package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/codegrade/internal/archive"
	"github.com/osvaldoandrade/codegrade/internal/executor"
	"github.com/osvaldoandrade/codegrade/internal/services"
	"github.com/osvaldoandrade/codegrade/internal/workspace"
	"github.com/osvaldoandrade/codegrade/pkg/config"
	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

func gradeCmd(g *globals, ui *ui) *cobra.Command {
	var (
		command      string
		timeout      time.Duration
		submissionID int64
		notify       bool
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:     "grade <archive>",
		Short:   "Grade an archive locally with the server pipeline",
		Args:    cobra.ExactArgs(1),
		Example: `gradectl grade ./sub_42.zip --command "python3 grading_script.py {workspace}" --timeout 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(command) != "" {
				cfg.GradingCommand = strings.Fields(command)
			}
			if timeout > 0 {
				cfg.GradingTimeoutSeconds = int((timeout + time.Second - 1) / time.Second)
			}

			var spin *spinner.Spinner
			var observe services.StateObserver
			if !asJSON && isTerminal(int(os.Stderr.Fd())) {
				spin = spinner.New(spinner.CharSets[14], 120*time.Millisecond)
				spin.Writer = cmd.ErrOrStderr()
				spin.Suffix = " Preparing workspace..."
				spin.Start()
				observe = func(_ domain.EvaluationJob, state domain.JobState) {
					spin.Lock()
					defer spin.Unlock()
					switch state {
					case domain.StateExtracting:
						spin.Suffix = " Extracting archive..."
					case domain.StateExecuting:
						spin.Suffix = " Running grading program..."
					case domain.StateResultReady, domain.StateErrorTerminal:
						spin.Suffix = " Reporting result..."
					}
				}
			}

			res, err := runGrade(cmd.Context(), cfg, g.logger(cfg), args[0], submissionID, notify, observe)
			if spin != nil {
				spin.Stop()
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			label := ui.ok("[SCORE]")
			if res.Score == 0 {
				label = ui.warn("[SCORE]")
			}
			fmt.Fprintf(out, "%s %g\n", label, res.Score)
			if res.Log != "" {
				fmt.Fprintln(out, ui.title("log:"))
				fmt.Fprintln(out, res.Log)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "Grading command; supports {workspace} {dataset} {submissionId} {archive}")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock limit for the grading program")
	cmd.Flags().Int64Var(&submissionID, "submission", 1, "Submission id used for the workspace and callbacks")
	cmd.Flags().BoolVar(&notify, "notify", false, "Send running/complete callbacks to the configured coordinator URLs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// runGrade runs one evaluation in a throwaway workspace root.
func runGrade(ctx context.Context, cfg *config.Config, logger *slog.Logger, archivePath string, submissionID int64, notify bool, observe services.StateObserver) (domain.EvaluationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := filepath.Abs(archivePath)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	if info, err := os.Stat(src); err != nil || !info.Mode().IsRegular() {
		return domain.EvaluationResult{}, fmt.Errorf("archive %s: %w", archivePath, domain.ErrSubmissionNotFound)
	}
	if len(cfg.GradingCommand) == 0 {
		return domain.EvaluationResult{}, errors.New("no grading command configured")
	}

	root, err := os.MkdirTemp("", "gradectl-")
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	defer os.RemoveAll(root)

	ws, err := workspace.NewManager(root, logger)
	if err != nil {
		return domain.EvaluationResult{}, err
	}

	var dispatcher services.CallbackDispatcher = quietDispatcher{}
	if notify {
		dispatcher = services.NewCallbackDispatcher(logger, services.CallbackOptions{
			Secret:     cfg.CallbackHmacSecret,
			Timeout:    cfg.CallbackTimeout(),
			MaxRetries: cfg.CallbackMaxRetries,
		})
	}

	var env []string
	if cfg.SecretDatasetPath != "" {
		env = append(env, "GRADER_DATASET_PATH="+cfg.SecretDatasetPath)
	}
	svc := services.NewEvaluationService(
		ws,
		archive.NewExtractor(archive.Options{MaxEntries: cfg.ArchiveMaxEntries, MaxBytes: cfg.ArchiveMaxBytes}),
		executor.New(executor.Options{Env: env, Logger: logger}),
		dispatcher,
		logger,
		time.Now,
		services.EvaluationOptions{
			StatusUpdateURL: cfg.StatusUpdateURL,
			CompletionURL:   cfg.CompletionURL,
			Command:         cfg.GradingCommand,
			Timeout:         cfg.GradingTimeout(),
			DatasetPath:     cfg.SecretDatasetPath,
			Observer:        observe,
		},
	)
	job := &domain.EvaluationJob{
		ID:             uuid.NewString(),
		SubmissionID:   submissionID,
		SourceFilePath: src,
		CreatedAt:      time.Now().UTC(),
	}
	return svc.Evaluate(ctx, job), nil
}

type quietDispatcher struct{}

func (quietDispatcher) Open() services.CallbackSession { return quietSession{} }

type quietSession struct{}

func (quietSession) Notify(context.Context, domain.CallbackMessage) services.Delivery {
	return services.Delivery{Outcome: services.CallbackSuccess}
}

func (quietSession) Close() {}
