package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Toss-Online-Services/pgoptimizer/src/config"
	"github.com/Toss-Online-Services/pgoptimizer/src/output"
)

// globals holds the persistent flags shared by every subcommand
type globals struct {
	cfgFile  string
	format   output.Format
	logLevel string
}

// loadConfig reads the configuration file named by --config, falling back to
// CONFIG_PATH.
func (g *globals) loadConfig() (*config.Config, error) {
	path := g.cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return config.LoadConfig(path)
}

// NewRootCmd builds and returns the root cobra.Command for the pgoptimizer CLI.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "pgoptimizer",
		Short: "PostgreSQL performance monitoring and autonomous optimization",
		Long: "pgoptimizer periodically scores the health of a PostgreSQL database from its " +
			"statistics views and, when the score falls below a threshold, refreshes planner " +
			"statistics, rebuilds hot indexes and reclaims dead tuples.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !g.format.Valid() {
				return fmt.Errorf("invalid format %q: must be json, table, or yaml", g.format)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "Config file path (default $CONFIG_PATH)")
	root.PersistentFlags().StringVar((*string)(&g.format), "format", "json", "Output format: json|table|yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level from the config file")

	root.AddCommand(
		newRunCmd(g),
		newAnalyzeCmd(g),
		newOptimizeCmd(g),
		newConfigCmd(g),
	)

	return root
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// writeSuccess prints resp to the command's stdout
func writeSuccess(cmd *cobra.Command, format output.Format, resp output.Response) error {
	out, err := output.FormatResponse(resp, format)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// writeFailure prints a failure envelope to stderr and returns err
func writeFailure(cmd *cobra.Command, format output.Format, command string, err error) error {
	out, ferr := output.FormatResponse(output.Failure(command, err), format)
	if ferr != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), out)
	return err
}
