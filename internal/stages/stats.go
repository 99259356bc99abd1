package stages

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

// DimensionStats summarises one dimension of a point view.
type DimensionStats struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Minimum float64 `json:"minimum"`
	Maximum float64 `json:"maximum"`
	Average float64 `json:"average"`
	Stddev  float64 `json:"stddev"`
	Median  float64 `json:"median"`
}

func computeStats(view *model.PointView, dim dimension) DimensionStats {
	s := DimensionStats{Name: dim.name, Count: view.Len()}
	if s.Count == 0 {
		return s
	}
	values := make([]float64, s.Count)
	for i, p := range view.Points {
		values[i] = dim.get(p)
	}
	s.Minimum = floats.Min(values)
	s.Maximum = floats.Max(values)
	s.Average, s.Stddev = stat.MeanStdDev(values, nil)
	if s.Count < 2 {
		s.Stddev = 0
	}
	sort.Float64s(values)
	s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	return s
}

// enumerate counts the points per distinct value of dim.
func enumerate(view *model.PointView, dim dimension) map[string]int {
	counts := make(map[string]int)
	for _, p := range view.Points {
		counts[strconv.FormatFloat(dim.get(p), 'f', -1, 64)]++
	}
	return counts
}

func selectDimensions(list string) ([]dimension, error) {
	if strings.TrimSpace(list) == "" {
		return dimensions, nil
	}
	var out []dimension
	for _, name := range strings.Split(list, ",") {
		d, err := lookupDimension(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ------------------- filters.stats -------------------

func statsFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pointsDescriptor("filters.stats", "Passes points through and attaches per-dimension statistics",
			param("dimensions", pipeline.ParamString, false, "comma separated dimensions, default all"),
			param("enumerate", pipeline.ParamString, false, "comma separated dimensions whose values are counted"),
		),
		Stage: pipeline.StageFunc(runStats),
	}
}

func runStats(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	dims, err := selectDimensions(params.String("dimensions", ""))
	if err != nil {
		return nil, err
	}
	var enum []dimension
	if list := params.String("enumerate", ""); list != "" {
		if enum, err = selectDimensions(list); err != nil {
			return nil, err
		}
	}

	view := in.View.Clone()
	statistics := make([]DimensionStats, 0, len(dims))
	for _, d := range dims {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		statistics = append(statistics, computeStats(view, d))
	}

	out := pointsOut(in, view)
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["statistics"] = statistics
	if len(enum) > 0 {
		counts := make(map[string]map[string]int, len(enum))
		for _, d := range enum {
			counts[d.name] = enumerate(view, d)
		}
		out.Metadata["counts"] = counts
	}
	return out, nil
}

// ------------------- filters.info -------------------

func infoFilter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: pipeline.StageDescriptor{
			Type:        "filters.info",
			Description: "Replaces the points with a metadata summary",
			Input:       model.KindPoints,
			Output:      model.KindMetadata,
			Idempotent:  true,
		},
		Stage: pipeline.StageFunc(runInfo),
	}
}

func runInfo(ctx context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
	view := in.View
	classes, _ := lookupDimension("Classification")
	names := make([]string, len(dimensions))
	for i, d := range dimensions {
		names[i] = d.name
	}

	md := carryMetadata(in)
	if md == nil {
		md = make(map[string]interface{})
	}
	md["count"] = view.Len()
	md["bounds"] = view.Bounds()
	md["srs"] = view.SRS
	md["dimensions"] = names
	md["classification_counts"] = enumerate(view, classes)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &model.Payload{Kind: model.KindMetadata, Metadata: md}, nil
}
