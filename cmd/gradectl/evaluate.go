package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

func evaluateCmd(g *globals, ui *ui) *cobra.Command {
	var (
		submissionID int64
		filePath     string
	)
	cmd := &cobra.Command{
		Use:     "evaluate",
		Short:   "Ask a codegrade server to grade an uploaded submission",
		Example: "gradectl evaluate --submission 42 --file sub_42.zip",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("submission") {
				return errors.New("--submission is required")
			}
			if filePath == "" {
				return errors.New("--file is required")
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Submitting evaluation..."
			spin.Writer = cmd.ErrOrStderr()
			spin.Start()
			status, resp, err := postJSON(g.baseURL, "/v1/grader/evaluate", domain.EvaluationRequest{SubmissionID: &submissionID, FilePath: filePath})
			spin.Stop()
			if err != nil {
				return err
			}
			if status != 202 {
				return errorFromBody(status, resp)
			}
			var out domain.EvaluationAccepted
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), string(resp))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s submission=%d job=%s\n", ui.ok("[OK]"), out.Message, out.SubmissionID, ui.dim(out.JobID))
			return nil
		},
	}
	cmd.Flags().Int64Var(&submissionID, "submission", 0, "Submission id")
	cmd.Flags().StringVar(&filePath, "file", "", "Archive file name under the server upload dir")
	return cmd
}
