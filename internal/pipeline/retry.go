package pipeline

import (
	"context"
	"fmt"
	"time"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// executeWithRetry runs stage under policy. Stages that are not idempotent
// always run exactly once.
func executeWithRetry(
	ctx context.Context,
	policy model.RetryPolicy,
	idempotent bool,
	tracker *stageTracker,
	stage Stage,
	params model.Params,
	in *model.Payload,
) (*model.Payload, error) {
	maxAttempts := 1
	if idempotent && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tracker.attempt()
		out, err := safeExecute(ctx, stage, params, in)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// never retry past cancellation or the job deadline
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		delay := policy.Delay(attempt)
		tracker.warn(fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, delay, err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// safeExecute converts a stage panic into an error.
func safeExecute(ctx context.Context, stage Stage, params model.Params, in *model.Payload) (out *model.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.Newf("stage panicked: %v", r)
		}
	}()
	return stage.Execute(ctx, params, in)
}
