package pipeline

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// testStages is a small registry of synthetic stages used across the
// package tests. Calls counts every Execute across all stages.
type testStages struct {
	Calls atomic.Int64
}

func (ts *testStages) entries() []Entry {
	count := func(fn StageFunc) StageFunc {
		return func(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
			ts.Calls.Add(1)
			return fn(ctx, params, in)
		}
	}
	points := func(stageType string, idempotent bool, fn StageFunc, params ...ParamSpec) Entry {
		return Entry{
			Descriptor: StageDescriptor{
				Type:       stageType,
				Params:     params,
				Input:      model.KindPoints,
				Output:     model.KindPoints,
				Idempotent: idempotent,
			},
			Stage: count(fn),
		}
	}
	pass := func(_ context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
		return model.NewPointsPayload(in.View.Clone()), nil
	}

	return []Entry{
		{
			Descriptor: StageDescriptor{
				Type:   "readers.test",
				Params: []ParamSpec{{Name: "count", Kind: ParamNumber}},
				Input:  model.KindNone,
				Output: model.KindPoints,
			},
			Stage: count(func(_ context.Context, params model.Params, _ *model.Payload) (*model.Payload, error) {
				n := int(params.Number("count", 3))
				view := &model.PointView{SRS: "EPSG:4326"}
				for i := 0; i < n; i++ {
					view.Points = append(view.Points, model.Point{X: float64(i), Y: float64(i), Z: float64(i)})
				}
				return model.NewPointsPayload(view), nil
			}),
		},
		points("filters.pass", true, pass),
		points("filters.params", true, pass,
			ParamSpec{Name: "required_num", Kind: ParamNumber, Required: true},
			ParamSpec{Name: "flag", Kind: ParamBoolean},
			ParamSpec{Name: "label", Kind: ParamString},
			ParamSpec{Name: "file", Kind: ParamPath},
		),
		points("filters.fail", false, func(context.Context, model.Params, *model.Payload) (*model.Payload, error) {
			return nil, errors.New("boom")
		}),
		points("filters.panic", false, func(context.Context, model.Params, *model.Payload) (*model.Payload, error) {
			panic("kaboom")
		}),
		points("filters.liar", false, func(context.Context, model.Params, *model.Payload) (*model.Payload, error) {
			return &model.Payload{Kind: model.KindMetadata, Metadata: map[string]interface{}{}}, nil
		}),
		points("filters.warn", true, func(ctx context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
			Warn(ctx, "looked at %d points", in.Count())
			return model.NewPointsPayload(in.View.Clone()), nil
		}),
		{
			Descriptor: StageDescriptor{
				Type:             "filters.extra",
				AllowExtraParams: true,
				Input:            model.KindPoints,
				Output:           model.KindPoints,
			},
			Stage: count(pass),
		},
		{
			Descriptor: StageDescriptor{Type: "filters.info", Input: model.KindPoints, Output: model.KindMetadata},
			Stage: count(func(_ context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
				return &model.Payload{Kind: model.KindMetadata, Metadata: map[string]interface{}{"count": in.Count()}}, nil
			}),
		},
		{
			Descriptor: StageDescriptor{Type: "writers.test", Input: model.KindPoints, Output: model.KindBytes},
			Stage: count(func(_ context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
				return &model.Payload{Kind: model.KindBytes, Data: []byte("x,y,z\n"), ContentType: "text/csv"}, nil
			}),
		},
	}
}

func newTestRegistry(t *testing.T, extra ...Entry) (*Registry, *testStages) {
	t.Helper()
	ts := &testStages{}
	reg, err := NewRegistry(append(ts.entries(), extra...)...)
	require.NoError(t, err)
	return reg, ts
}

func stage(stageType string, params model.Params) model.StageSpec {
	return model.StageSpec{Type: stageType, Params: params}
}

func definition(stages ...model.StageSpec) *model.PipelineDefinition {
	return &model.PipelineDefinition{Stages: stages}
}
