// Package jobs runs pipeline definitions as asynchronous jobs with bounded
// concurrency, cancellation, per-job timeouts and retention.
//
// Lifecycle:
//
//	queued -> running -> succeeded | failed | cancelled
//	queued -> cancelled
//
// A job's worker goroutine is the only writer of a running job. Cancel and
// the worker meet under the job's mutex, so a cancellation that races with
// the last stage always wins and no result is committed.
package jobs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/internal/results"
	"go-pointcloud-pipeline/pkg/utils"
)

// Config bounds the manager's resources.
type Config struct {
	MaxConcurrentJobs int
	MaxQueuedJobs     int
	JobTimeout        time.Duration // 0 disables the timeout
	JobRetention      time.Duration
	SweepInterval     time.Duration
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 4,
		MaxQueuedJobs:     100,
		JobTimeout:        10 * time.Minute,
		JobRetention:      time.Hour,
		SweepInterval:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = d.MaxConcurrentJobs
	}
	if c.MaxQueuedJobs < 1 {
		c.MaxQueuedJobs = d.MaxQueuedJobs
	}
	if c.JobRetention <= 0 {
		c.JobRetention = d.JobRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Executor validates and runs pipeline definitions.
type Executor interface {
	Validate(def *model.PipelineDefinition) error
	Run(ctx context.Context, def *model.PipelineDefinition, hooks pipeline.Hooks) (*model.Result, error)
}

// Ledger persists job history. Ledger failures are logged and never fail
// a job.
type Ledger interface {
	SaveJob(ctx context.Context, job model.Job) error
	UpdateJob(ctx context.Context, job model.Job) error
	SaveDiagnostic(ctx context.Context, jobID string, d model.Diagnostic) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLedger records job history in l.
func WithLedger(l Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithOutputs removes the output files of jobs that do not succeed.
func WithOutputs(om *utils.OutputManager) Option {
	return func(m *Manager) { m.outputs = om }
}

// WithMetrics reports to metrics instead of an unregistered set.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// SubmitOption configures a single submission.
type SubmitOption func(*job)

// OnFinish runs fn once the job reaches a terminal state.
func OnFinish(fn func(model.Job)) SubmitOption {
	return func(j *job) { j.onFinish = append(j.onFinish, fn) }
}

// job is the manager's private record. Fields below mu are guarded by it.
type job struct {
	id       string
	def      *model.PipelineDefinition
	cancel   context.CancelFunc
	done     chan struct{}
	onFinish []func(model.Job)

	mu              sync.Mutex
	snap            model.Job
	err             error // terminal error of failed and cancelled jobs
	cancelRequested bool
}

// snapshot returns a copy safe to hand out. Caller holds j.mu.
func (j *job) snapshot() model.Job {
	s := j.snap
	s.Diagnostics = append([]model.Diagnostic(nil), j.snap.Diagnostics...)
	if s.Diagnostics == nil {
		s.Diagnostics = []model.Diagnostic{}
	}
	return s
}

// Manager owns the active job table.
type Manager struct {
	cfg     Config
	exec    Executor
	results *results.Store
	ledger  Ledger
	outputs *utils.OutputManager
	metrics *Metrics
	log     *zap.SugaredLogger
	now     func() time.Time

	sem *semaphore.Weighted

	mu   sync.RWMutex
	jobs map[string]*job

	queued    atomic.Int64
	running   atomic.Int64
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64

	subsMu sync.Mutex
	subs   map[chan model.Job]struct{}

	// lifeMu orders wg.Add against Stop; stopped is set under it.
	lifeMu    sync.Mutex
	stopped   bool
	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a manager. Call Start to run the sweeper and Stop to
// shut it down.
func NewManager(cfg Config, exec Executor, store *results.Store, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		exec:    exec,
		results: store,
		log:     logger.ComponentLogger("jobs"),
		now:     time.Now,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		jobs:    make(map[string]*job),
		subs:    make(map[chan model.Job]struct{}),
		ctx:     ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start launches the eviction sweeper.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.lifeMu.Lock()
		defer m.lifeMu.Unlock()
		if m.stopped {
			return
		}
		if warning := m.checkMemoryPressure(); warning != "" {
			m.log.Warnw("Memory pressure warning", "warning", warning)
		}
		m.wg.Add(1)
		go m.sweepLoop()
		m.log.Infow("Job manager started",
			"max_concurrent_jobs", m.cfg.MaxConcurrentJobs,
			"max_queued_jobs", m.cfg.MaxQueuedJobs,
			"job_timeout", m.cfg.JobTimeout)
	})
}

// Stop cancels every job and waits for the workers until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		m.stopped = true
		m.stop()
		m.lifeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Infow("Job manager stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for job workers")
	}
}

// Validate checks def without queueing it.
func (m *Manager) Validate(def *model.PipelineDefinition) error {
	return m.exec.Validate(def)
}

// Submit validates def and queues it. Validation errors are returned as
// *errors.ValidationError and no job is created.
func (m *Manager) Submit(ctx context.Context, def *model.PipelineDefinition, opts ...SubmitOption) (string, error) {
	if err := m.exec.Validate(def); err != nil {
		m.metrics.JobsRejected.WithLabelValues(errors.Code(err)).Inc()
		return "", err
	}
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return "", errors.Wrap(errors.ErrCapacity, "job manager is shutting down")
	}
	if !m.reserveQueueSlot() {
		m.lifeMu.Unlock()
		m.metrics.JobsRejected.WithLabelValues(errors.CodeCapacity).Inc()
		return "", errors.WithHint(
			errors.Wrapf(errors.ErrCapacity, "%d jobs already queued", m.cfg.MaxQueuedJobs),
			"retry after running jobs finish")
	}
	m.wg.Add(1)
	m.lifeMu.Unlock()

	jobCtx, cancel := context.WithCancel(m.ctx)
	j := &job{
		id:     uuid.New().String(),
		def:    def,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.snap = model.Job{
		ID:          j.id,
		PipelineID:  def.ID(),
		Definition:  def,
		State:       model.JobQueued,
		CreatedAt:   m.now().UTC(),
		Diagnostics: []model.Diagnostic{},
	}
	snap := j.snapshot()

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	m.submitted.Add(1)
	m.metrics.JobsSubmitted.Inc()
	m.metrics.QueueDepth.Set(float64(m.queued.Load()))
	m.log.Infow("Job queued", logger.FieldJobID, j.id, logger.FieldPipelineID, snap.PipelineID,
		"stages", len(def.Stages))

	if m.ledger != nil {
		if err := m.ledger.SaveJob(ctx, snap); err != nil {
			m.log.Warnw("Failed to record job", logger.FieldJobID, j.id, logger.FieldError, err)
		}
	}
	m.publish(snap)

	go m.work(jobCtx, j)
	return j.id, nil
}

func (m *Manager) reserveQueueSlot() bool {
	for {
		q := m.queued.Load()
		if q >= int64(m.cfg.MaxQueuedJobs) {
			return false
		}
		if m.queued.CompareAndSwap(q, q+1) {
			return true
		}
	}
}

// work drives one job from queued to a terminal state.
func (m *Manager) work(ctx context.Context, j *job) {
	defer m.wg.Done()
	defer j.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		// cancelled by request (already settled) or by shutdown
		m.cancelQueued(j)
		return
	}
	defer m.sem.Release(1)

	snap, ok := m.markRunning(j)
	if !ok {
		return
	}
	m.publish(snap)
	m.record(snap)

	runCtx := ctx
	if m.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
		defer cancel()
	}
	runCtx = pipeline.WithJobID(runCtx, j.id)

	log := logger.FromContext(runCtx, m.log)
	log.Infow("Job started")
	result, err := m.exec.Run(runCtx, j.def, pipeline.Hooks{
		OnStageStart: func(index int, stageType string) {
			log.Debugw("Stage started", logger.FieldStageIndex, index, logger.FieldStage, stageType)
		},
		OnDiagnostic: func(d model.Diagnostic) { m.addDiagnostic(j, d) },
	})
	m.finish(j, result, err)
}

// markRunning moves a queued job to running. It returns false when the job
// was cancelled while it waited.
func (m *Manager) markRunning(j *job) (model.Job, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.State != model.JobQueued {
		return model.Job{}, false
	}
	now := m.now().UTC()
	j.snap.State = model.JobRunning
	j.snap.StartedAt = &now
	m.queued.Add(-1)
	m.running.Add(1)
	m.metrics.QueueDepth.Set(float64(m.queued.Load()))
	m.metrics.RunningJobs.Set(float64(m.running.Load()))
	return j.snapshot(), true
}

func (m *Manager) addDiagnostic(j *job, d model.Diagnostic) {
	j.mu.Lock()
	j.snap.Diagnostics = append(j.snap.Diagnostics, d)
	snap := j.snapshot()
	j.mu.Unlock()

	m.metrics.observeStage(d)
	fields := []interface{}{logger.FieldJobID, j.id, logger.FieldStageIndex, d.StageIndex,
		logger.FieldStage, d.StageType, logger.FieldDurationMS, d.Elapsed.Milliseconds(),
		logger.FieldCount, d.OutputCount}
	if d.Failed() {
		m.log.Warnw("Stage failed", append(fields, logger.FieldError, d.Error)...)
	} else {
		m.log.Debugw("Stage finished", fields...)
	}
	for _, w := range d.Warnings {
		m.log.Warnw("Stage warning", logger.FieldJobID, j.id, logger.FieldStage, d.StageType, "warning", w)
	}

	if m.ledger != nil {
		ctx, cancel := ledgerContext()
		defer cancel()
		if err := m.ledger.SaveDiagnostic(ctx, j.id, d); err != nil {
			m.log.Warnw("Failed to record diagnostic", logger.FieldJobID, j.id, logger.FieldError, err)
		}
	}
	m.publish(snap)
}

// finish commits the outcome of a run. The result is put and the state set
// under the job's lock, so a concurrent Cancel either lands before (and
// wins) or finds the job terminal.
func (m *Manager) finish(j *job, result *model.Result, runErr error) {
	j.mu.Lock()
	now := m.now().UTC()
	err := runErr
	if err == nil && j.cancelRequested {
		err = errors.Wrap(errors.ErrCancelled, "cancelled after last stage")
	}
	if err == nil {
		result.JobID = j.id
		result.CreatedAt = now
		if putErr := m.results.Put(j.id, result); putErr != nil {
			err = errors.Wrap(putErr, "commit result")
		}
	}

	switch {
	case err == nil:
		j.snap.State = model.JobSucceeded
	case errors.Is(err, errors.ErrCancelled):
		j.snap.State = model.JobCancelled
	default:
		j.snap.State = model.JobFailed
	}
	if err != nil {
		j.err = err
		j.snap.Error = err.Error()
		j.snap.ErrorCode = errors.Code(err)
	}
	j.snap.FinishedAt = &now
	m.running.Add(-1)
	m.metrics.RunningJobs.Set(float64(m.running.Load()))
	snap := j.snapshot()
	j.mu.Unlock()

	m.settle(j, snap)
}

// cancelQueued moves a still queued job to cancelled.
func (m *Manager) cancelQueued(j *job) bool {
	j.mu.Lock()
	if j.snap.State != model.JobQueued {
		j.mu.Unlock()
		return false
	}
	now := m.now().UTC()
	j.cancelRequested = true
	j.err = errors.Wrapf(errors.ErrCancelled, "job %s cancelled while queued", j.id)
	j.snap.State = model.JobCancelled
	j.snap.Error = j.err.Error()
	j.snap.ErrorCode = errors.CodeCancelled
	j.snap.FinishedAt = &now
	m.queued.Add(-1)
	m.metrics.QueueDepth.Set(float64(m.queued.Load()))
	snap := j.snapshot()
	j.mu.Unlock()

	j.cancel()
	m.settle(j, snap)
	return true
}

// settle does the bookkeeping of a job that just became terminal.
func (m *Manager) settle(j *job, snap model.Job) {
	switch snap.State {
	case model.JobSucceeded:
		m.succeeded.Add(1)
	case model.JobFailed:
		m.failed.Add(1)
	case model.JobCancelled:
		m.cancelled.Add(1)
	}
	m.metrics.observeFinished(snap)

	if snap.State != model.JobSucceeded && m.outputs != nil {
		if err := m.outputs.RemoveJobOutputs(j.id); err != nil {
			m.log.Warnw("Failed to remove job outputs", logger.FieldJobID, j.id, logger.FieldError, err)
		}
	}

	fields := []interface{}{logger.FieldJobID, j.id, logger.FieldState, snap.State,
		logger.FieldDurationMS, snap.Duration().Milliseconds()}
	if snap.Error != "" {
		fields = append(fields, logger.FieldErrorCode, snap.ErrorCode, logger.FieldError, snap.Error)
	}
	m.log.Infow("Job finished", fields...)

	m.record(snap)
	m.publish(snap)
	for _, fn := range j.onFinish {
		fn(snap)
	}
	close(j.done)
}

func (m *Manager) record(snap model.Job) {
	if m.ledger == nil {
		return
	}
	ctx, cancel := ledgerContext()
	defer cancel()
	if err := m.ledger.UpdateJob(ctx, snap); err != nil {
		m.log.Warnw("Failed to update job record", logger.FieldJobID, snap.ID, logger.FieldError, err)
	}
}

// ledgerContext bounds ledger writes independently of the job's context,
// which is already done when terminal states are recorded.
func ledgerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (m *Manager) lookup(id string) (*job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (model.Job, error) {
	j, ok := m.lookup(id)
	if !ok {
		return model.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), nil
}

// List returns snapshots of every job in the active table, oldest first.
func (m *Manager) List() []model.Job {
	m.mu.RLock()
	all := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.RUnlock()

	out := make([]model.Job, 0, len(all))
	for _, j := range all {
		j.mu.Lock()
		out = append(out, j.snapshot())
		j.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Counts returns the queued and running gauges and the terminal totals
// since start, including evicted jobs.
func (m *Manager) Counts() model.JobCounts {
	return model.JobCounts{
		Queued:    int(m.queued.Load()),
		Running:   int(m.running.Load()),
		Succeeded: int(m.succeeded.Load()),
		Failed:    int(m.failed.Load()),
		Cancelled: int(m.cancelled.Load()),
		Total:     int(m.submitted.Load()),
	}
}

// Cancel requests cancellation. A queued job is cancelled at once; a
// running job stops at its next stage boundary.
func (m *Manager) Cancel(id string) error {
	j, ok := m.lookup(id)
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	if m.cancelQueued(j) {
		m.log.Infow("Queued job cancelled", logger.FieldJobID, id)
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.State.IsTerminal() {
		return errors.Wrapf(errors.ErrAlreadyTerminal, "job %s is %s", id, j.snap.State)
	}
	j.cancelRequested = true
	j.cancel()
	m.log.Infow("Cancellation requested", logger.FieldJobID, id)
	return nil
}

// Result returns the committed result of a succeeded job, or the reason
// there is none. Jobs already evicted from the active table fall through
// to the result store, whose retention window is independent.
func (m *Manager) Result(id string) (*model.Result, error) {
	j, ok := m.lookup(id)
	if !ok {
		return m.results.Get(id)
	}

	j.mu.Lock()
	state, err := j.snap.State, j.err
	j.mu.Unlock()

	switch state {
	case model.JobQueued, model.JobRunning:
		return nil, errors.Wrapf(errors.ErrNotReady, "job %s is %s", id, state)
	case model.JobFailed, model.JobCancelled:
		return nil, err
	}
	return m.results.Get(id)
}

// DeleteResult evicts the result of a job.
func (m *Manager) DeleteResult(id string) error {
	if !m.results.Delete(id) {
		return errors.Wrapf(errors.ErrNotFound, "result %s", id)
	}
	return nil
}

// Wait blocks until the job is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (model.Job, error) {
	j, ok := m.lookup(id)
	if !ok {
		return model.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), nil
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts terminal jobs idle for longer than JobRetention and expired
// results. It returns the number of jobs evicted.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.cfg.JobRetention)

	m.mu.Lock()
	evicted := 0
	for id, j := range m.jobs {
		j.mu.Lock()
		finished := j.snap.FinishedAt
		j.mu.Unlock()
		if finished != nil && finished.Before(cutoff) {
			delete(m.jobs, id)
			evicted++
		}
	}
	m.mu.Unlock()

	expired := m.results.EvictExpired()
	m.metrics.JobsEvicted.Add(float64(evicted))
	m.metrics.ResultsEvicted.Add(float64(expired))
	if evicted > 0 || expired > 0 {
		m.log.Debugw("Sweep complete", "jobs_evicted", evicted, "results_evicted", expired)
	}
	return evicted
}

// Subscribe returns a channel receiving job snapshots on every transition
// and diagnostic. Slow subscribers miss updates rather than block jobs.
func (m *Manager) Subscribe() chan model.Job {
	ch := make(chan model.Job, 64)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (m *Manager) Unsubscribe(ch chan model.Job) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(snap model.Job) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
