package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCmd(g *globals, ui *ui) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		Long:  "Loads the config file, applies the APP_ENV profile, environment overrides and defaults, then prints the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Profiles = nil
			if shown.CallbackHmacSecret != "" {
				shown.CallbackHmacSecret = "********"
			}
			if shown.RedisPassword != "" {
				shown.RedisPassword = "********"
			}
			b, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# profile: %s\n%s", cfg.Profile, b)
			if check {
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), ui.ok("[OK]"), "configuration is valid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Also validate the configuration")
	return cmd
}
