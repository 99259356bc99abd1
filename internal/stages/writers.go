package stages

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

const (
	contentTypeCSV = "text/csv"
	contentTypeLAS = "application/vnd.las"
)

func writerDescriptor(stageType, description string, params ...pipeline.ParamSpec) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Type:        stageType,
		Description: description,
		Params:      params,
		Input:       model.KindPoints,
		Output:      model.KindBytes,
	}
}

// ------------------- writers.text -------------------

func (e *env) textWriter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: writerDescriptor("writers.text", "Serialises points as delimited text",
			param("filename", pipeline.ParamPath, false, "also write the output to this file"),
			param("order", pipeline.ParamString, false, "comma separated dimensions to write, default all"),
			param("delimiter", pipeline.ParamString, false, "field delimiter, default comma"),
			param("write_header", pipeline.ParamBoolean, false, "write a header row, default true"),
			param("precision", pipeline.ParamNumber, false, "decimal places for X, Y and Z, default 3"),
		),
		Stage: pipeline.StageFunc(e.writeText),
	}
}

func (e *env) writeText(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	dims, err := selectDimensions(params.String("order", ""))
	if err != nil {
		return nil, err
	}
	delimiter := []rune(params.String("delimiter", ","))
	if len(delimiter) != 1 {
		return nil, errors.New("delimiter must be a single character")
	}
	precision := int(params.Number("precision", 3))
	if precision < 0 || precision > 15 {
		return nil, errors.Newf("precision must be between 0 and 15, got %d", precision)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Comma = delimiter[0]

	// Write header
	if params.Bool("write_header", true) {
		header := make([]string, len(dims))
		for i, d := range dims {
			header[i] = d.name
		}
		if err := writer.Write(header); err != nil {
			return nil, errors.Wrap(err, "write header")
		}
	}

	// Write data rows
	row := make([]string, len(dims))
	for n, p := range in.View.Points {
		if n%checkEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for i, d := range dims {
			prec := precision
			if d.name != "X" && d.name != "Y" && d.name != "Z" {
				prec = 0
			}
			row[i] = strconv.FormatFloat(d.get(p), 'f', prec, 64)
		}
		if err := writer.Write(row); err != nil {
			return nil, errors.Wrapf(err, "write row %d", n)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "flush text output")
	}

	return e.emit(ctx, in, params.String("filename", ""), buf.Bytes(), contentTypeCSV)
}

// ------------------- writers.las -------------------

func (e *env) lasWriter() pipeline.Entry {
	return pipeline.Entry{
		Descriptor: writerDescriptor("writers.las", "Serialises points as LAS 1.2 (point format 0)",
			param("filename", pipeline.ParamPath, false, "also write the output to this file"),
		),
		Stage: pipeline.StageFunc(e.writeLAS),
	}
}

func (e *env) writeLAS(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	name := params.String("filename", "")
	if strings.EqualFold(filepath.Ext(name), ".laz") {
		return nil, errors.New("compressed LAZ output is not supported")
	}
	data, err := encodeLAS(in.View)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return e.emit(ctx, in, name, data, contentTypeLAS)
}

// emit builds the bytes payload and, when filename is set, writes the data
// into the job's output directory.
func (e *env) emit(ctx context.Context, in *model.Payload, filename string, data []byte, contentType string) (*model.Payload, error) {
	md := carryMetadata(in)
	if md == nil {
		md = make(map[string]interface{})
	}
	md["count"] = in.View.Len()

	if filename != "" {
		if e.outputs == nil {
			return nil, errors.New("no output directory configured for file output")
		}
		jobID := pipeline.JobID(ctx)
		path, err := e.outputs.GetOutputFilePath(jobID, filename)
		if err != nil {
			return nil, errors.Wrap(err, "resolve output path")
		}
		if err := writeFileAtomic(path, data); err != nil {
			return nil, err
		}
		md["filename"] = filepath.Base(path)
		if jobID != "" {
			md["download_url"] = e.outputs.GetDownloadURL(jobID, path)
		}
	}

	return &model.Payload{
		Kind:        model.KindBytes,
		Data:        data,
		ContentType: contentType,
		Metadata:    md,
	}, nil
}

// writeFileAtomic replaces path through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write output file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close output file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "publish output file")
}
