package main

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/codegrade/internal/archive"
)

func unpackCmd(g *globals, ui *ui) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:     "unpack <archive> <dest>",
		Short:   "Safely extract a submission archive",
		Args:    cobra.ExactArgs(2),
		Example: "gradectl unpack ./sub_42.zip ./sub_42",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			format, err := archive.Detect(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			opts := archive.Options{MaxEntries: cfg.ArchiveMaxEntries, MaxBytes: cfg.ArchiveMaxBytes}
			if !quiet {
				opts.Progress = func(done, total int) {
					if bar == nil {
						bar = progressbar.NewOptions(total,
							progressbar.OptionSetDescription("Extracting "+string(format)),
							progressbar.OptionSetWriter(cmd.ErrOrStderr()),
							progressbar.OptionSetWidth(18),
							progressbar.OptionShowCount(),
							progressbar.OptionClearOnFinish(),
						)
					}
					_ = bar.Set(done)
				}
			}
			if err := archive.NewExtractor(opts).Extract(args[0], args[1]); err != nil {
				return err
			}
			if bar != nil {
				_ = bar.Finish()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s extracted %s into %s\n", ui.ok("[OK]"), args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}
