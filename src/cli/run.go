package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Toss-Online-Services/pgoptimizer/src/api"
)

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the optimization scheduler and the status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, g, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("Starting pgoptimizer")

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				return a.scheduler.Run(gctx)
			})

			if a.cfg.Server.Enabled {
				handler := api.NewHandler(a.scheduler, a.engine, a.queryAnalyzer, a.serverInfo, a.log)
				grp.Go(func() error {
					return api.Serve(gctx, a.cfg.Server, api.NewRouter(handler, a.log), a.log)
				})
			}

			err = grp.Wait()
			a.log.Info("pgoptimizer stopped")
			return err
		},
	}
}
