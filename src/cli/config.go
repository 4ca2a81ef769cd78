package cli

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/Toss-Online-Services/pgoptimizer/src/output"
)

const redacted = "********"

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := g.loadConfig(); err != nil {
					return writeFailure(cmd, g.format, "config validate", err)
				}
				return writeSuccess(cmd, g.format, output.Success("config validate", map[string]bool{"valid": true}))
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with credentials redacted",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := g.loadConfig()
				if err != nil {
					return writeFailure(cmd, g.format, "config show", err)
				}

				if cfg.Database.Password != "" {
					cfg.Database.Password = redacted
				}
				if cfg.Database.URL != "" {
					if u, err := url.Parse(cfg.Database.URL); err == nil {
						cfg.Database.URL = u.Redacted()
					} else {
						cfg.Database.URL = redacted
					}
				}

				return writeSuccess(cmd, g.format, output.Success("config show", cfg))
			},
		},
	)

	return cmd
}
