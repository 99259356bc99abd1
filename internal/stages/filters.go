package stages

import (
	"context"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

// ------------------- filters.crop -------------------

func cropFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.crop", "Keeps points inside (or outside) a bounding box",
			param("bounds", pipeline.ParamString, true, "([xmin, xmax], [ymin, ymax][, [zmin, zmax]])"),
			param("outside", pipeline.ParamBoolean, false, "keep the points outside the box instead"),
		),
		Stage: pipeline.StageFunc(runCrop),
	}
}

func runCrop(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	b, err := parseBounds(params.String("bounds", ""))
	if err != nil {
		return nil, err
	}
	outside := params.Bool("outside", false)
	out, err := filterPoints(ctx, in, func(p model.Point) bool {
		return b.contains(p) != outside
	})
	if err != nil {
		return nil, err
	}
	if out.View.Len() == 0 && in.View.Len() > 0 {
		pipeline.Warn(ctx, "crop removed all %d points", in.View.Len())
	}
	return out, nil
}

// ------------------- filters.range -------------------

func rangeFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.range", "Keeps points whose dimensions fall in the given ranges",
			param("limits", pipeline.ParamString, true, "e.g. Classification[2:2], Z[0:50]"),
		),
		Stage: pipeline.StageFunc(runRange),
	}
}

func runRange(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	limits, err := parseLimits(params.String("limits", ""))
	if err != nil {
		return nil, err
	}
	return filterPoints(ctx, in, func(p model.Point) bool {
		return matchLimits(limits, p)
	})
}

// ------------------- filters.decimation -------------------

func decimationFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.decimation", "Keeps every step-th point",
			param("step", pipeline.ParamNumber, false, "keep one point out of step, default 1"),
			param("offset", pipeline.ParamNumber, false, "index of the first kept point"),
		),
		Stage: pipeline.StageFunc(runDecimation),
	}
}

func runDecimation(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	step := params.Number("step", 1)
	offset := params.Number("offset", 0)
	if step < 1 || step != math.Trunc(step) {
		return nil, errors.Newf("step must be a positive whole number, got %v", step)
	}
	if offset < 0 || offset != math.Trunc(offset) {
		return nil, errors.Newf("offset must be a non-negative whole number, got %v", offset)
	}
	s, o := int(step), int(offset)

	src := in.View
	view := &model.PointView{SRS: src.SRS, Points: make([]model.Point, 0, len(src.Points)/s+1)}
	for i := o; i < len(src.Points); i += s {
		view.Points = append(view.Points, src.Points[i])
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pointsOut(in, view), nil
}

// ------------------- filters.assign -------------------

func assignFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.assign", "Sets a dimension to a constant value",
			param("value", pipeline.ParamString, true, "e.g. Classification=2 or Classification=2 WHERE Z<10"),
		),
		Stage: pipeline.StageFunc(runAssign),
	}
}

func runAssign(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	a, err := parseAssignment(params.String("value", ""))
	if err != nil {
		return nil, err
	}
	view := in.View.Clone()
	for i := range view.Points {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if a.where(view.Points[i]) {
			a.dim.set(&view.Points[i], a.value)
		}
	}
	return pointsOut(in, view), nil
}

// ------------------- filters.reprojection -------------------

func reprojectionFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.reprojection", "Transforms X/Y between spatial reference systems",
			param("out_srs", pipeline.ParamString, true, "target spatial reference"),
			param("in_srs", pipeline.ParamString, false, "source spatial reference overriding the view's"),
		),
		Stage: pipeline.StageFunc(runReprojection),
	}
}

// projections lists the supported transforms keyed by "from>to".
var projections = map[string]orb.Projection{
	"EPSG:4326>EPSG:3857": project.WGS84.ToMercator,
	"EPSG:3857>EPSG:4326": project.Mercator.ToWGS84,
}

// canonicalSRS normalises common spellings of the supported systems.
func canonicalSRS(srs string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(srs), " ", ""))
	switch s {
	case "WGS84", "EPSG:4326", "4326":
		return "EPSG:4326"
	case "EPSG:3857", "EPSG:900913", "EPSG:102100", "3857":
		return "EPSG:3857"
	}
	return s
}

func runReprojection(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	from := canonicalSRS(params.String("in_srs", in.View.SRS))
	to := canonicalSRS(params.String("out_srs", ""))
	if from == "" {
		return nil, errors.WithHint(errors.New("input spatial reference is unknown"), "set in_srs")
	}

	view := in.View.Clone()
	view.SRS = to
	if from == to {
		return pointsOut(in, view), nil
	}
	proj, ok := projections[from+">"+to]
	if !ok {
		return nil, errors.Newf("reprojection from %s to %s is not supported", from, to)
	}
	for i := range view.Points {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := &view.Points[i]
		q := proj(orb.Point{p.X, p.Y})
		if math.IsNaN(q[0]) || math.IsInf(q[0], 0) || math.IsNaN(q[1]) || math.IsInf(q[1], 0) {
			return nil, errors.Newf("point %d (%v, %v) cannot be projected to %s", i, p.X, p.Y, to)
		}
		p.X, p.Y = q[0], q[1]
	}
	return pointsOut(in, view), nil
}
