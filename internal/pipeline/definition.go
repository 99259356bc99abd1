package pipeline

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// Format selects the document syntax of a pipeline definition.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatAuto Format = ""
)

// FormatFromContentType maps an HTTP content type to a Format.
func FormatFromContentType(contentType string) Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return FormatYAML
	case strings.Contains(ct, "json"):
		return FormatJSON
	}
	return FormatAuto
}

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// reserved stage keys; everything else on a stage object is a parameter
var stageKeys = map[string]bool{"type": true, "tag": true, "inputs": true, "params": true}

// ParseDefinition decodes a pipeline document. Accepted layouts are
// {"pipeline": [...], "points": [...], "srs": "..."} and a bare stage array.
// A bare string stage is PDAL filename shorthand.
func ParseDefinition(data []byte, format Format) (*model.PipelineDefinition, error) {
	raw, err := decodeDocument(data, format)
	if err != nil {
		return nil, err
	}

	var stages []interface{}
	var doc map[string]interface{}
	switch v := raw.(type) {
	case []interface{}:
		stages = v
	case map[string]interface{}:
		doc = v
		list, ok := v["pipeline"].([]interface{})
		if !ok {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "document has no \"pipeline\" array")
		}
		stages = list
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unexpected document root %T", raw)
	}

	def := &model.PipelineDefinition{Stages: make([]model.StageSpec, 0, len(stages))}
	for i, item := range stages {
		spec, err := parseStage(item, i)
		if err != nil {
			return nil, err
		}
		def.Stages = append(def.Stages, spec)
	}

	if doc != nil {
		input, err := parseInput(doc)
		if err != nil {
			return nil, err
		}
		def.Input = input
	}
	return def, nil
}

func decodeDocument(data []byte, format Format) (interface{}, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty pipeline document")
	}
	if format == FormatAuto {
		format = FormatYAML
		if trimmed[0] == '{' || trimmed[0] == '[' {
			format = FormatJSON
		}
	}

	var raw interface{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "decode JSON pipeline")
		}
	case FormatYAML:
		if err := yaml.Unmarshal(trimmed, &raw); err != nil {
			return nil, errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "decode YAML pipeline")
		}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unsupported format %q", format)
	}
	return normalize(raw), nil
}

// normalize converts YAML decoding artefacts to the JSON value set: numbers
// become float64 and maps are keyed by string.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalize(val)
			}
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return v
}

func parseStage(item interface{}, index int) (model.StageSpec, error) {
	switch v := item.(type) {
	case string:
		return inferStage(v, index)
	case map[string]interface{}:
		spec := model.StageSpec{Params: model.Params{}}
		if raw, ok := v["type"]; ok && raw != nil {
			if spec.Type, ok = raw.(string); !ok {
				return spec, errors.NewValidationError(index, "", "type must be a string, got %T", raw)
			}
		}
		if raw, ok := v["tag"]; ok && raw != nil {
			if spec.Tag, ok = raw.(string); !ok {
				return spec, errors.NewValidationError(index, spec.Type, "tag must be a string, got %T", raw)
			}
		}
		switch in := v["inputs"].(type) {
		case nil:
		case string:
			spec.Inputs = []string{in}
		case []interface{}:
			for _, ref := range in {
				s, ok := ref.(string)
				if !ok {
					return spec, errors.NewValidationError(index, spec.Type, "inputs must be strings")
				}
				spec.Inputs = append(spec.Inputs, s)
			}
		default:
			return spec, errors.NewValidationError(index, spec.Type, "inputs must be a string or a list of strings, got %T", in)
		}
		switch nested := v["params"].(type) {
		case nil:
		case map[string]interface{}:
			for k, val := range nested {
				spec.Params[k] = val
			}
		default:
			return spec, errors.NewValidationError(index, spec.Type, "params must be an object, got %T", nested)
		}
		for k, val := range v {
			if !stageKeys[k] {
				spec.Params[k] = val
			}
		}
		if len(spec.Params) == 0 {
			spec.Params = nil
		}
		return spec, nil
	}
	return model.StageSpec{}, errors.NewValidationError(index, "", "stage must be an object or filename, got %T", item)
}

// inferStage expands filename shorthand: the first stage reads, any other
// stage writes.
func inferStage(filename string, index int) (model.StageSpec, error) {
	role := "writers"
	if index == 0 {
		role = "readers"
	}
	var driver string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".las":
		driver = "las"
	case ".txt", ".csv", ".xyz":
		driver = "text"
	case ".laz":
		return model.StageSpec{}, errors.NewValidationError(index, role+".las", "compressed LAZ is not supported, convert %q to LAS", filename)
	default:
		return model.StageSpec{}, errors.NewValidationError(index, "", "cannot infer stage type for %q", filename)
	}
	return model.StageSpec{
		Type:   role + "." + driver,
		Params: model.Params{"filename": filename},
	}, nil
}

func parseInput(doc map[string]interface{}) (*model.PointView, error) {
	rawPoints, ok := doc["points"]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(rawPoints)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "encode inline points")
	}
	var points []model.Point
	if err := json.Unmarshal(encoded, &points); err != nil {
		return nil, errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "decode inline points")
	}
	srs, _ := doc["srs"].(string)
	return &model.PointView{SRS: srs, Points: points}, nil
}
