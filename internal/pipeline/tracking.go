package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// stageTracker accumulates the diagnostic of one stage while it runs.
type stageTracker struct {
	mu         sync.Mutex
	index      int
	stageType  string
	start      time.Time
	inputCount int
	attempts   int
	warnings   []string
}

type trackerKey struct{}

func newStageTracker(index int, stageType string, in *model.Payload) *stageTracker {
	return &stageTracker{
		index:      index,
		stageType:  stageType,
		start:      time.Now(),
		inputCount: in.Count(),
	}
}

func (t *stageTracker) attach(ctx context.Context) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

func (t *stageTracker) attempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

func (t *stageTracker) warn(msg string) {
	t.mu.Lock()
	t.warnings = append(t.warnings, msg)
	t.mu.Unlock()
}

// finish produces the diagnostic. out may be nil when the stage failed.
func (t *stageTracker) finish(out *model.Payload, err error) model.Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := model.Diagnostic{
		StageIndex:  t.index,
		StageType:   t.stageType,
		Elapsed:     time.Since(t.start),
		InputCount:  t.inputCount,
		OutputCount: out.Count(),
		Attempts:    t.attempts,
		Warnings:    append([]string(nil), t.warnings...),
	}
	if err != nil {
		d.OutputCount = 0
		d.Error = err.Error()
		d.ErrorCode = errors.Code(err)
	}
	return d
}

// Warn attaches a non-fatal warning to the diagnostic of the stage running
// under ctx. It is a no-op outside stage execution.
func Warn(ctx context.Context, format string, args ...interface{}) {
	if t, ok := ctx.Value(trackerKey{}).(*stageTracker); ok {
		t.warn(fmt.Sprintf(format, args...))
	}
}
