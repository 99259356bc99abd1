// Package pipeline validates and executes point-cloud pipeline definitions
// against a registry of stage types.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
)

type jobIDKey struct{}

// WithJobID tags ctx with the job being executed. Writers use it to place
// output files; the logger picks it up as a field.
func WithJobID(ctx context.Context, jobID string) context.Context {
	ctx = logger.WithJobID(ctx, jobID)
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID returns the job id carried by ctx, or "".
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// Hooks observe a run. Every field is optional.
type Hooks struct {
	// OnStageStart fires before a stage executes.
	OnStageStart func(index int, stageType string)
	// OnDiagnostic fires as soon as a stage finishes, in stage order.
	OnDiagnostic func(model.Diagnostic)
}

func (h Hooks) stageStart(index int, stageType string) {
	if h.OnStageStart != nil {
		h.OnStageStart(index, stageType)
	}
}

func (h Hooks) diagnostic(d model.Diagnostic) {
	if h.OnDiagnostic != nil {
		h.OnDiagnostic(d)
	}
}

// Executor runs validated definitions strictly sequentially. It never
// commits results; the caller decides what to do with the returned Result.
type Executor struct {
	registry  *Registry
	validator *Validator
	retry     model.RetryPolicy
	log       *zap.SugaredLogger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy enables retries of idempotent stages.
func WithRetryPolicy(p model.RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithMaxPoints rejects definitions whose inline input holds more than n
// points. Zero means no limit.
func WithMaxPoints(n int) ExecutorOption {
	return func(e *Executor) { e.validator.maxPoints = n }
}

// WithLogger overrides the executor's logger.
func WithLogger(l *zap.SugaredLogger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// NewExecutor returns an executor for stages in registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:  registry,
		validator: NewValidator(registry),
		retry:     model.NoRetry(),
		log:       logger.ComponentLogger("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor resolves stages from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Validate checks def without running it.
func (e *Executor) Validate(def *model.PipelineDefinition) error {
	return e.validator.Validate(def)
}

// Run executes def. Cancellation and the deadline of ctx are observed
// between stages: ctx cancellation yields errors.ErrCancelled, an expired
// deadline a StageExecutionError wrapping errors.ErrTimeout.
func (e *Executor) Run(ctx context.Context, def *model.PipelineDefinition, hooks Hooks) (*model.Result, error) {
	if err := e.validator.Validate(def); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, e.log)

	payload := &model.Payload{Kind: model.KindNone}
	if def.Input != nil {
		payload = model.NewPointsPayload(def.Input.Clone())
	}
	lastView := payload.View

	for i, spec := range def.Stages {
		if err := interruption(ctx, i, spec.Type); err != nil {
			if errors.Is(err, errors.ErrTimeout) {
				// record where the deadline hit even though the stage never ran
				hooks.diagnostic(newStageTracker(i, spec.Type, payload).finish(nil, err))
			}
			log.Infow("Pipeline interrupted", logger.FieldStageIndex, i, logger.FieldErrorCode, errors.Code(err))
			return nil, err
		}

		desc, err := e.registry.Lookup(spec.Type)
		if err != nil {
			return nil, errors.Wrap(err, "registry changed after validation")
		}
		stage, err := e.registry.Stage(spec.Type)
		if err != nil {
			return nil, errors.Wrap(err, "registry changed after validation")
		}

		hooks.stageStart(i, spec.Type)
		tracker := newStageTracker(i, spec.Type, payload)
		out, err := executeWithRetry(tracker.attach(ctx), e.retry, desc.Idempotent, tracker, stage, spec.Params, payload)

		// a stage cut off by the deadline or a cancel has its output discarded
		if ctxErr := interruption(ctx, i, spec.Type); ctxErr != nil {
			if err != nil || errors.Is(ctxErr, errors.ErrTimeout) {
				hooks.diagnostic(tracker.finish(nil, ctxErr))
			} else {
				hooks.diagnostic(tracker.finish(out, nil))
			}
			log.Infow("Pipeline interrupted", logger.FieldStageIndex, i, logger.FieldErrorCode, errors.Code(ctxErr))
			return nil, ctxErr
		}

		if err == nil {
			err = checkOutput(out, desc)
		}
		if err != nil {
			stageErr := &errors.StageExecutionError{StageIndex: i, StageType: spec.Type, Cause: err}
			diag := tracker.finish(nil, stageErr)
			hooks.diagnostic(diag)
			log.Warnw("Stage failed",
				logger.FieldStageIndex, i,
				logger.FieldStage, spec.Type,
				logger.FieldError, err.Error(),
			)
			return nil, stageErr
		}

		diag := tracker.finish(out, nil)
		hooks.diagnostic(diag)
		log.Debugw("Stage completed",
			logger.FieldStageIndex, i,
			logger.FieldStage, spec.Type,
			logger.FieldCount, diag.OutputCount,
			logger.FieldDurationMS, diag.Elapsed.Milliseconds(),
		)

		payload = out
		if out.View != nil {
			lastView = out.View
		}
	}

	return buildResult(payload, lastView)
}

// interruption maps a done context to the executor's error taxonomy.
func interruption(ctx context.Context, index int, stageType string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &errors.StageExecutionError{StageIndex: index, StageType: stageType, Cause: errors.ErrTimeout}
	default:
		return errors.Wrapf(errors.ErrCancelled, "at stage %d (%s)", index, stageType)
	}
}

// checkOutput enforces the descriptor's declared output kind at runtime.
func checkOutput(out *model.Payload, desc StageDescriptor) error {
	if out == nil {
		return errors.New("stage returned no payload")
	}
	if out.Kind != desc.Output {
		return errors.Newf("dynamic data mismatch: stage produced %s, declared %s", out.Kind, desc.Output)
	}
	if out.Kind == model.KindPoints && out.View == nil {
		return errors.New("dynamic data mismatch: points payload without a point view")
	}
	return nil
}

func buildResult(payload *model.Payload, lastView *model.PointView) (*model.Result, error) {
	meta := model.ResultMetadata{
		PointCount: lastView.Len(),
		Bounds:     lastView.Bounds(),
	}
	if lastView != nil {
		meta.SRS = lastView.SRS
	}

	switch payload.Kind {
	case model.KindBytes:
		res := &model.Result{
			Kind:        model.KindResultBytes,
			Data:        payload.Data,
			ContentType: payload.ContentType,
			Metadata:    meta,
		}
		if name, ok := payload.Metadata["filename"].(string); ok {
			res.Filename = name
		}
		if len(payload.Metadata) > 0 {
			res.Metadata.Extra = payload.Metadata
		}
		return res, nil
	case model.KindPoints:
		if len(payload.Metadata) > 0 {
			meta.Extra = payload.Metadata
		}
		return &model.Result{Kind: model.KindResultMetadata, Metadata: meta}, nil
	case model.KindMetadata:
		meta.Extra = payload.Metadata
		return &model.Result{Kind: model.KindResultMetadata, Metadata: meta}, nil
	}
	return nil, errors.Newf("pipeline produced no result (final kind %s)", payload.Kind)
}
