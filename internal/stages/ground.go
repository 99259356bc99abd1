package stages

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

// ASPRS classification codes.
const (
	classUnclassified = 1
	classGround       = 2
	classLowNoise     = 7
)

// ------------------- filters.smrf -------------------

func smrfFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.smrf", "Classifies ground points (class 2) from a minimum surface",
			param("cell", pipeline.ParamNumber, false, "grid cell size, default 1.0"),
			param("threshold", pipeline.ParamNumber, false, "elevation threshold above the surface, default 0.5"),
			param("slope", pipeline.ParamNumber, false, "slope tolerance per cell, default 0.15"),
			param("ignore", pipeline.ParamString, false, "range of points left untouched, e.g. Classification[7:7]"),
		),
		Stage: pipeline.StageFunc(runSMRF),
	}
}

type cellKey struct{ col, row int }

// runSMRF builds a minimum elevation surface on a grid, opens it over the
// 3x3 neighbourhood and marks points close to the surface as ground.
func runSMRF(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	cell := params.Number("cell", 1.0)
	threshold := params.Number("threshold", 0.5)
	slope := params.Number("slope", 0.15)
	if cell <= 0 {
		return nil, errors.Newf("cell must be positive, got %v", cell)
	}
	if threshold < 0 || slope < 0 {
		return nil, errors.New("threshold and slope must not be negative")
	}
	var ignore []limit
	if s := params.String("ignore", ""); s != "" {
		var err error
		if ignore, err = parseLimits(s); err != nil {
			return nil, err
		}
	}

	view := in.View.Clone()
	if view.Len() == 0 {
		return pointsOut(in, view), nil
	}
	b := view.Bounds()
	key := func(p model.Point) cellKey {
		return cellKey{int(math.Floor((p.X - b.MinX) / cell)), int(math.Floor((p.Y - b.MinY) / cell))}
	}
	skip := func(p model.Point) bool { return ignore != nil && matchLimits(ignore, p) }

	minimum := make(map[cellKey]float64)
	for i, p := range view.Points {
		if i%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if skip(p) {
			continue
		}
		k := key(p)
		if z, ok := minimum[k]; !ok || p.Z < z {
			minimum[k] = p.Z
		}
	}

	// morphological opening drops raised objects narrower than three cells
	eroded := neighbourhood(minimum, math.Min)
	surface := neighbourhood(eroded, math.Max)

	tolerance := threshold + slope*cell
	ground := 0
	for i := range view.Points {
		p := &view.Points[i]
		if skip(*p) {
			continue
		}
		z, ok := surface[key(*p)]
		if ok && p.Z-z <= tolerance {
			p.Classification = classGround
			ground++
		} else if p.Classification == classGround {
			p.Classification = classUnclassified
		}
	}
	if ground == 0 {
		pipeline.Warn(ctx, "no ground points found")
	}

	out := pointsOut(in, view)
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["ground_count"] = ground
	return out, nil
}

// neighbourhood applies reduce over each cell's populated 3x3 neighbours.
func neighbourhood(grid map[cellKey]float64, reduce func(a, b float64) float64) map[cellKey]float64 {
	out := make(map[cellKey]float64, len(grid))
	for k, v := range grid {
		acc := v
		for dc := -1; dc <= 1; dc++ {
			for dr := -1; dr <= 1; dr++ {
				if n, ok := grid[cellKey{k.col + dc, k.row + dr}]; ok {
					acc = reduce(acc, n)
				}
			}
		}
		out[k] = acc
	}
	return out
}

// ------------------- filters.outlier -------------------

func outlierFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.outlier", "Marks elevation outliers as noise (class 7)",
			param("multiplier", pipeline.ParamNumber, false, "standard deviations from the mean, default 2.0"),
			param("remove", pipeline.ParamBoolean, false, "drop outliers instead of classifying them"),
		),
		Stage: pipeline.StageFunc(runOutlier),
	}
}

func runOutlier(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	multiplier := params.Number("multiplier", 2.0)
	if multiplier <= 0 {
		return nil, errors.Newf("multiplier must be positive, got %v", multiplier)
	}
	src := in.View
	if src.Len() < 2 {
		return pointsOut(in, src.Clone()), nil
	}

	z := make([]float64, src.Len())
	for i, p := range src.Points {
		z[i] = p.Z
	}
	mean, std := stat.MeanStdDev(z, nil)
	cutoff := multiplier * std
	isOutlier := func(p model.Point) bool { return std > 0 && math.Abs(p.Z-mean) > cutoff }

	if params.Bool("remove", false) {
		return filterPoints(ctx, in, func(p model.Point) bool { return !isOutlier(p) })
	}

	view := src.Clone()
	marked := 0
	for i := range view.Points {
		if isOutlier(view.Points[i]) {
			view.Points[i].Classification = classLowNoise
			marked++
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := pointsOut(in, view)
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["outlier_count"] = marked
	return out, nil
}
