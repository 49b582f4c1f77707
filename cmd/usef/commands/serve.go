package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/usef/backend/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the participant",
	Long: `Starts the HTTP endpoint, the event bus and the scheduler.

Endpoints:
  POST /USEF/2015/SignedMessage   - inbound USEF documents
  POST /api/reoptimize/{date}     - re-optimize the portfolio of a day
  POST /api/settlement/initiate   - start monthly settlement
  POST /api/flex-orders/place     - order accepted flex offers
  GET  /api/planboard/{group}/{date}
  GET  /api/settlements
  GET  /health
  GET  /metrics

Example:
  go run ./cmd/usef serve
  go run ./cmd/usef serve --port 8089`,
	RunE: runServe,
}

var servePort string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "HTTP port (default from PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, func(cfg *config.Config) {
		if servePort != "" {
			cfg.Port = servePort
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	printHeader(out, "USEF participant", [][2]string{
		{"Domain", a.Config.USEF.Domain},
		{"Role", a.Config.USEF.Role},
		{"Store", a.Config.Store},
		{"Port", a.Config.Port},
	})
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.Log.Info("Participant stopped")
	return nil
}
