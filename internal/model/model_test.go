package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineIDIsContentHash(t *testing.T) {
	a := &PipelineDefinition{Stages: []StageSpec{
		{Type: "readers.faux", Params: Params{"count": 10.0, "mode": "ramp"}},
		{Type: "filters.crop", Params: Params{"bounds": "([0,1],[0,1])"}},
	}}
	b := &PipelineDefinition{Stages: []StageSpec{
		{Type: "readers.faux", Params: Params{"mode": "ramp", "count": 10.0}},
		{Type: "filters.crop", Params: Params{"bounds": "([0,1],[0,1])"}},
	}}
	reordered := &PipelineDefinition{Stages: []StageSpec{b.Stages[1], b.Stages[0]}}

	assert.Len(t, a.ID(), 64)
	assert.Equal(t, a.ID(), b.ID(), "map key order must not change identity")
	assert.NotEqual(t, a.ID(), reordered.ID(), "stage order is part of identity")
}

func TestInitialKind(t *testing.T) {
	assert.Equal(t, KindNone, (&PipelineDefinition{}).InitialKind())
	assert.Equal(t, KindPoints, (&PipelineDefinition{Input: &PointView{}}).InitialKind())
}

func TestBounds(t *testing.T) {
	var empty *PointView
	assert.Equal(t, Bounds{}, empty.Bounds())

	v := &PointView{Points: []Point{{X: 1, Y: -2, Z: 3}, {X: -1, Y: 5, Z: 0}}}
	assert.Equal(t, Bounds{MinX: -1, MinY: -2, MinZ: 0, MaxX: 1, MaxY: 5, MaxZ: 3}, v.Bounds())
}

func TestCloneDoesNotAlias(t *testing.T) {
	v := &PointView{SRS: "EPSG:4326", Points: []Point{{X: 1}}}
	c := v.Clone()
	c.Points[0].X = 99
	assert.Equal(t, 1.0, v.Points[0].X)
	assert.Equal(t, "EPSG:4326", c.SRS)
}

func TestParamsAccessors(t *testing.T) {
	p := Params{"s": "x", "n": 2.5, "i": 3, "b": true}
	assert.Equal(t, "x", p.String("s", "d"))
	assert.Equal(t, "d", p.String("n", "d"))
	assert.Equal(t, 2.5, p.Number("n", 0))
	assert.Equal(t, 3.0, p.Number("i", 0))
	assert.Equal(t, 7.0, p.Number("missing", 7))
	assert.True(t, p.Bool("b", false))
	assert.True(t, p.Has("s"))
	assert.False(t, p.Has("missing"))
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobSucceeded.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3), "capped at MaxDelay")
}

func TestJobCounts(t *testing.T) {
	var c JobCounts
	for _, s := range []JobState{JobQueued, JobRunning, JobRunning, JobFailed} {
		c.Add(s)
	}
	assert.Equal(t, JobCounts{Queued: 1, Running: 2, Failed: 1, Total: 4}, c)
}
