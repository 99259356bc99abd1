package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/server"
)

// ServeCmd starts the HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP API",
	Long:    `Serve the pipeline API. Jobs run in-process; SIGINT or SIGTERM stops accepting requests, cancels running jobs and waits for them up to server.shutdown_timeout.`,
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	s, err := server.New(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Serving on http://localhost%s (API docs at /swagger/index.html)", cfg.Address())
	return s.Run(ctx)
}
