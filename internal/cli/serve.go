package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/rdloop/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only inspection server",
	Long: `Start a read-only server showing runs, their generations and stop reasons,
with JSON histories under /api/runs and Prometheus metrics under /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		a, cleanup, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		fmt.Fprintf(cmd.ErrOrStderr(), "rdloop UI: http://localhost:%d\n", port)
		return web.NewServer(a.ws, a.metrics, port, a.logger).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}
