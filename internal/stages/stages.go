// Package stages implements the built-in reader, filter and writer stages.
//
// Readers produce a point view from nothing, filters transform a point view
// into a new one, writers serialise a point view into bytes. Every stage
// returns a fresh payload and never mutates its input.
package stages

import (
	"context"

	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/pkg/utils"
)

// Options locate the files stages read and write.
type Options struct {
	// DataDir confines reader paths. Empty means no confinement.
	DataDir string
	// OutputDir receives writer files, one directory per job.
	OutputDir string
	// MaxPoints caps the points a reader may produce. Zero means DefaultMaxPoints.
	MaxPoints int
}

// DefaultMaxPoints is the reader point limit when Options.MaxPoints is unset.
const DefaultMaxPoints = 10_000_000

// env is shared by the stage implementations.
type env struct {
	dataDir   string
	maxPoints int
	outputs   *utils.OutputManager
}

// Builtin returns the registry entries of every built-in stage.
func Builtin(opts Options) []pipeline.Entry {
	e := &env{dataDir: opts.DataDir, maxPoints: opts.MaxPoints}
	if e.maxPoints <= 0 {
		e.maxPoints = DefaultMaxPoints
	}
	if opts.OutputDir != "" {
		e.outputs = utils.NewOutputManager(opts.OutputDir)
	}

	return []pipeline.Entry{
		e.fauxReader(),
		e.textReader(),
		e.lasReader(),
		cropFilter(),
		rangeFilter(),
		reprojectionFilter(),
		decimationFilter(),
		outlierFilter(),
		smrfFilter(),
		assignFilter(),
		statsFilter(),
		infoFilter(),
		e.textWriter(),
		e.lasWriter(),
	}
}

// NewRegistry builds a registry holding the built-in stages.
func NewRegistry(opts Options) (*pipeline.Registry, error) {
	return pipeline.NewRegistry(Builtin(opts)...)
}

// pointsOut wraps view as the next payload, carrying metadata from in.
func pointsOut(in *model.Payload, view *model.PointView) *model.Payload {
	out := model.NewPointsPayload(view)
	out.Metadata = carryMetadata(in)
	return out
}

func carryMetadata(in *model.Payload) map[string]interface{} {
	if in == nil || len(in.Metadata) == 0 {
		return nil
	}
	md := make(map[string]interface{}, len(in.Metadata))
	for k, v := range in.Metadata {
		md[k] = v
	}
	return md
}

// filterPoints keeps the points for which keep returns true.
func filterPoints(ctx context.Context, in *model.Payload, keep func(model.Point) bool) (*model.Payload, error) {
	src := in.View
	out := &model.PointView{SRS: src.SRS, Points: make([]model.Point, 0, len(src.Points))}
	for i, p := range src.Points {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if keep(p) {
			out.Points = append(out.Points, p)
		}
	}
	return pointsOut(in, out), nil
}

// checkEvery is how many points a loop processes between context checks.
const checkEvery = 1 << 16

func pointsDescriptor(stageType, description string, params ...pipeline.ParamSpec) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Type:        stageType,
		Description: description,
		Params:      params,
		Input:       model.KindPoints,
		Output:      model.KindPoints,
		Idempotent:  true,
	}
}

func param(name string, kind pipeline.ParamKind, required bool, description string) pipeline.ParamSpec {
	return pipeline.ParamSpec{Name: name, Kind: kind, Required: required, Description: description}
}
