package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Long: `Run the HTTP and gRPC servers until SIGINT or SIGTERM.

The schema is created if missing. With the memory driver the demo catalog is
loaded on start; with the Redis stock backend stored quantities are copied to
Redis for products it does not track yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Prepare(ctx); err != nil {
				return err
			}
			return a.Serve(ctx)
		},
	}
}
