// Command pipeline-api serves the pipeline HTTP API. It takes no flags:
// configuration comes from PIPELINE_* environment variables and, when
// PIPELINE_CONFIG names a file, from that file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-pointcloud-pipeline/internal/config"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %+v\n", err)
		os.Exit(1)
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	s, err := server.New(cfg)
	if err != nil {
		logger.Logger.Fatalw("Failed to start server", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Logger.Infow("Listening", "addr", cfg.Address())
	if err := s.Run(ctx); err != nil {
		logger.Logger.Errorw("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
