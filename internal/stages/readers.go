package stages

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/pkg/utils"
)

func readerDescriptor(stageType, description string, params ...pipeline.ParamSpec) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Type:        stageType,
		Description: description,
		Params:      params,
		Input:       model.KindNone,
		Output:      model.KindPoints,
		Idempotent:  true,
	}
}

// ------------------- readers.faux -------------------

func (e *env) fauxReader() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: readerDescriptor("readers.faux", "Generates synthetic points",
			param("count", pipeline.ParamNumber, true, "number of points"),
			param("bounds", pipeline.ParamString, false, "([xmin, xmax], [ymin, ymax], [zmin, zmax])"),
			param("mode", pipeline.ParamString, false, "constant, random, uniform, ramp, normal or grid"),
			param("srs", pipeline.ParamString, false, "spatial reference of the generated points"),
			param("seed", pipeline.ParamNumber, false, "random seed"),
		),
		Stage: pipeline.StageFunc(e.runFaux),
	}
}

func (e *env) runFaux(ctx context.Context, params model.Params, _ *model.Payload) (*model.Payload, error) {
	count := params.Number("count", 0)
	if count < 0 || count != math.Trunc(count) || count > float64(e.maxPoints) {
		return nil, errors.Newf("count must be a whole number between 0 and %d", e.maxPoints)
	}
	b, err := parseBounds(params.String("bounds", "([0, 1], [0, 1], [0, 1])"))
	if err != nil {
		return nil, err
	}
	if !b.hasZ {
		b.hasZ, b.minZ, b.maxZ = true, 0, 0
	}
	rng := rand.New(rand.NewSource(int64(params.Number("seed", 0))))
	n := int(count)
	view := &model.PointView{SRS: params.String("srs", ""), Points: make([]model.Point, 0, n)}

	lerp := func(lo, hi, t float64) float64 { return lo + (hi-lo)*t }
	mode := strings.ToLower(params.String("mode", "random"))
	switch mode {
	case "constant":
		for i := 0; i < n; i++ {
			view.Points = append(view.Points, model.Point{X: b.Min.X(), Y: b.Min.Y(), Z: b.minZ})
		}
	case "random", "uniform":
		for i := 0; i < n; i++ {
			view.Points = append(view.Points, model.Point{
				X: lerp(b.Min.X(), b.Max.X(), rng.Float64()),
				Y: lerp(b.Min.Y(), b.Max.Y(), rng.Float64()),
				Z: lerp(b.minZ, b.maxZ, rng.Float64()),
			})
		}
	case "ramp":
		for i := 0; i < n; i++ {
			t := 0.0
			if n > 1 {
				t = float64(i) / float64(n-1)
			}
			view.Points = append(view.Points, model.Point{
				X: lerp(b.Min.X(), b.Max.X(), t),
				Y: lerp(b.Min.Y(), b.Max.Y(), t),
				Z: lerp(b.minZ, b.maxZ, t),
			})
		}
	case "normal":
		c := b.Center()
		sx, sy, sz := (b.Max.X()-b.Min.X())/6, (b.Max.Y()-b.Min.Y())/6, (b.maxZ-b.minZ)/6
		cz := (b.minZ + b.maxZ) / 2
		for i := 0; i < n; i++ {
			view.Points = append(view.Points, model.Point{
				X: c.X() + rng.NormFloat64()*sx,
				Y: c.Y() + rng.NormFloat64()*sy,
				Z: cz + rng.NormFloat64()*sz,
			})
		}
	case "grid":
		// one point per unit cell, row major, up to count
		for y := math.Ceil(b.Min.Y()); y < b.Max.Y() && len(view.Points) < n; y++ {
			for x := math.Ceil(b.Min.X()); x < b.Max.X() && len(view.Points) < n; x++ {
				view.Points = append(view.Points, model.Point{X: x, Y: y, Z: b.minZ})
			}
		}
	default:
		return nil, errors.Newf("unknown faux mode %q", mode)
	}

	for i := range view.Points {
		view.Points[i].ReturnNumber = 1
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return model.NewPointsPayload(view), nil
}

// ------------------- readers.text -------------------

func (e *env) textReader() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: readerDescriptor("readers.text", "Reads delimited text with a header row",
			param("filename", pipeline.ParamPath, true, "input file"),
			param("separator", pipeline.ParamString, false, "field separator, default comma or whitespace"),
			param("header", pipeline.ParamString, false, "column names when the file has no header row"),
			param("skip", pipeline.ParamNumber, false, "lines to skip before the header"),
			param("srs", pipeline.ParamString, false, "spatial reference of the input"),
		),
		Stage: pipeline.StageFunc(e.readText),
	}
}

func (e *env) readText(ctx context.Context, params model.Params, _ *model.Payload) (*model.Payload, error) {
	path, err := utils.SafeJoin(e.dataDir, params.String("filename", ""))
	if err != nil {
		return nil, errors.Wrap(err, "resolve input")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open text input")
	}
	defer file.Close()

	// one extra row for the header
	rows, err := readRows(file, params.String("separator", ""), int(params.Number("skip", 0)), e.maxPoints+1)
	if err != nil {
		return nil, err
	}

	var columns []string
	if h := params.String("header", ""); h != "" {
		columns = splitHeader(h)
	} else if len(rows) > 0 {
		columns, rows = rows[0], rows[1:]
	}
	if len(rows) > e.maxPoints {
		return nil, errors.Newf("text input has more than %d rows", e.maxPoints)
	}
	dims := make([]*dimension, len(columns))
	found := map[string]bool{}
	for i, name := range columns {
		d, err := lookupDimension(strings.Trim(name, `" `))
		if err != nil {
			continue // extra columns are ignored
		}
		dims[i] = &d
		found[d.name] = true
	}
	for _, required := range []string{"X", "Y", "Z"} {
		if !found[required] {
			return nil, errors.Newf("text input has no %s column (columns: %v)", required, columns)
		}
	}

	view := &model.PointView{SRS: params.String("srs", ""), Points: make([]model.Point, 0, len(rows))}
	for line, row := range rows {
		if line%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var p model.Point
		for i, field := range row {
			if i >= len(dims) || dims[i] == nil {
				continue
			}
			v, ok := utils.Numeric(utils.ParseValue(field))
			if !ok {
				return nil, errors.Newf("row %d: %s value %q is not numeric", line+1, dims[i].name, field)
			}
			dims[i].set(&p, v)
		}
		view.Points = append(view.Points, p)
	}
	return model.NewPointsPayload(view), nil
}

// readRows splits r into fields. A single-character separator uses CSV
// quoting rules; an empty or blank separator splits on whitespace unless
// the first data line contains a comma. Reading stops with an error once
// more than limit rows are found.
func readRows(r io.Reader, separator string, skip, limit int) ([][]string, error) {
	br := bufio.NewReader(r)
	for i := 0; i < skip; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			return nil, errors.Wrap(err, "skip lines")
		}
	}

	if strings.TrimSpace(separator) == "" {
		peek, _ := br.Peek(4096)
		firstLine := string(peek)
		if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
			firstLine = firstLine[:i]
		}
		if separator == "" && strings.Contains(firstLine, ",") {
			separator = ","
		}
	}

	if strings.TrimSpace(separator) == "" {
		var rows [][]string
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) > 0 {
				if len(rows) == limit {
					return nil, errors.Newf("text input has more than %d rows", limit)
				}
				rows = append(rows, fields)
			}
		}
		return rows, errors.Wrap(scanner.Err(), "scan text input")
	}

	csvReader := csv.NewReader(br)
	csvReader.Comma = []rune(separator)[0]
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := csvReader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse text input")
		}
		if len(rows) == limit {
			return nil, errors.Newf("text input has more than %d rows", limit)
		}
		rows = append(rows, row)
	}
}

func splitHeader(h string) []string {
	if strings.Contains(h, ",") {
		parts := strings.Split(h, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return strings.Fields(h)
}

// ------------------- readers.las -------------------

func (e *env) lasReader() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: readerDescriptor("readers.las", "Reads uncompressed LAS files (point formats 0-3)",
			param("filename", pipeline.ParamPath, true, "input file"),
			param("override_srs", pipeline.ParamString, false, "spatial reference replacing the file's"),
			param("default_srs", pipeline.ParamString, false, "spatial reference when the file has none"),
		),
		Stage: pipeline.StageFunc(e.readLAS),
	}
}

func (e *env) readLAS(ctx context.Context, params model.Params, _ *model.Payload) (*model.Payload, error) {
	name := params.String("filename", "")
	if strings.EqualFold(filepath.Ext(name), ".laz") {
		return nil, errors.WithHint(errors.New("compressed LAZ input is not supported"), "convert the file to LAS first")
	}
	path, err := utils.SafeJoin(e.dataDir, name)
	if err != nil {
		return nil, errors.Wrap(err, "resolve input")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open LAS input")
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat LAS input")
	}

	view, err := decodeLAS(ctx, file, info.Size(), e.maxPoints)
	if err != nil {
		return nil, err
	}
	if srs := params.String("override_srs", ""); srs != "" {
		view.SRS = srs
	} else if view.SRS == "" {
		view.SRS = params.String("default_srs", "")
	}
	return model.NewPointsPayload(view), nil
}
