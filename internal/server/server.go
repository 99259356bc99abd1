// Package server assembles the service from its configuration: stage
// registry, executor, result store, job ledger, job manager and HTTP API.
package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-pointcloud-pipeline/internal/api"
	"go-pointcloud-pipeline/internal/api/handler"
	"go-pointcloud-pipeline/internal/config"
	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/internal/results"
	"go-pointcloud-pipeline/internal/stages"
	"go-pointcloud-pipeline/internal/store"
	"go-pointcloud-pipeline/pkg/router"
	"go-pointcloud-pipeline/pkg/utils"
)

// Server is a fully wired service instance.
type Server struct {
	cfg      *config.Config
	registry *pipeline.Registry
	manager  *jobs.Manager
	ledger   *store.Ledger
	router   *router.Router
	log      *zap.SugaredLogger
}

// RetryPolicy derives the executor retry policy from configuration.
func RetryPolicy(cfg *config.Config) model.RetryPolicy {
	if cfg.Jobs.MaxStageAttempts <= 1 {
		return model.NoRetry()
	}
	return model.RetryPolicy{
		MaxAttempts:   cfg.Jobs.MaxStageAttempts,
		InitialDelay:  cfg.Jobs.RetryBackoff,
		MaxDelay:      10 * cfg.Jobs.RetryBackoff,
		BackoffFactor: 2,
	}
}

// JobsConfig maps the jobs section onto the manager's configuration.
func JobsConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		MaxConcurrentJobs: cfg.Jobs.MaxConcurrentJobs,
		MaxQueuedJobs:     cfg.Jobs.MaxQueuedJobs,
		JobTimeout:        cfg.Jobs.JobTimeout,
		JobRetention:      cfg.Jobs.JobRetention,
		SweepInterval:     cfg.Jobs.SweepInterval,
	}
}

// NewExecutor builds the built-in registry and an executor over it.
func NewExecutor(cfg *config.Config) (*pipeline.Executor, error) {
	reg, err := stages.NewRegistry(stages.Options{
		DataDir:   cfg.Data.Dir,
		OutputDir: cfg.Data.OutputDir,
		MaxPoints: cfg.Jobs.MaxPoints,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build stage registry")
	}
	return pipeline.NewExecutor(reg,
		pipeline.WithRetryPolicy(RetryPolicy(cfg)),
		pipeline.WithMaxPoints(cfg.Jobs.MaxPoints),
		pipeline.WithLogger(logger.ComponentLogger("executor")),
	), nil
}

// New wires a server. The caller owns it and must call Run or Close.
func New(cfg *config.Config) (*Server, error) {
	log := logger.ComponentLogger("server")

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	outputs := utils.NewOutputManager(cfg.Data.OutputDir)
	if err := outputs.EnsureOutputDirExists(); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	exec, err := NewExecutor(cfg)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{cfg: cfg, registry: exec.Registry(), log: log}
	opts := []jobs.Option{
		jobs.WithOutputs(outputs),
		jobs.WithMetrics(jobs.NewMetrics(promReg)),
	}
	deps := handler.Deps{
		Registry:       s.registry,
		Outputs:        outputs,
		DataDir:        cfg.Data.Dir,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	}

	if cfg.Database.Enabled {
		s.ledger, err = store.Open(cfg.Database.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "open job ledger %s", cfg.Database.Path)
		}
		opts = append(opts, jobs.WithLedger(s.ledger))
		deps.History = s.ledger
	}
	if cfg.Server.SubmitRate > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(cfg.Server.SubmitRate), cfg.Server.SubmitBurst)
	}

	s.manager = jobs.NewManager(JobsConfig(cfg), exec, results.New(cfg.Results.Retention()), opts...)
	deps.Jobs = s.manager

	s.router = router.New(logger.ComponentLogger("http"))
	api.RegisterRoutes(s.router, handler.New(deps), promReg)

	log.Infow("Server assembled",
		"stages", s.registry.Len(),
		"ledger", cfg.Database.Enabled,
		"data_dir", cfg.Data.Dir,
		"output_dir", cfg.Data.OutputDir)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the job manager.
func (s *Server) Manager() *jobs.Manager {
	return s.manager
}

// Run starts the job manager and serves HTTP until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.manager.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.router.Start(s.cfg.Address(), s.cfg.Server.ReadTimeout)
	}()

	select {
	case err := <-errCh:
		return errors.CombineErrors(errors.Wrap(err, "http server"), s.Close())
	case <-ctx.Done():
		s.log.Infow("Shutting down", "timeout", s.cfg.Server.ShutdownTimeout)
	}
	return s.Close()
}

// Close stops the HTTP server and the job manager and closes the ledger.
func (s *Server) Close() error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := errors.Wrap(s.router.Shutdown(ctx), "http shutdown")
	err = errors.CombineErrors(err, s.manager.Stop(ctx))
	if s.ledger != nil {
		err = errors.CombineErrors(err, errors.Wrap(s.ledger.Close(), "close ledger"))
	}
	return err
}
