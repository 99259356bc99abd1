package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

const jsonPipeline = `{
  "pipeline": [
    {"type": "readers.faux", "tag": "faux", "count": 100, "mode": "ramp", "bounds": "([0,10],[0,10],[0,5])"},
    {"type": "filters.crop", "inputs": "faux", "bounds": "([0,5],[0,5])"},
    {"type": "filters.reprojection", "params": {"out_srs": "EPSG:4326"}}
  ]
}`

const yamlPipeline = `
pipeline:
  - type: readers.faux
    tag: faux
    count: 100
    mode: ramp
    bounds: "([0,10],[0,10],[0,5])"
  - type: filters.crop
    inputs: [faux]
    bounds: "([0,5],[0,5])"
  - type: filters.reprojection
    params:
      out_srs: EPSG:4326
`

func TestParseDefinitionJSON(t *testing.T) {
	def, err := ParseDefinition([]byte(jsonPipeline), FormatJSON)
	require.NoError(t, err)

	want := []model.StageSpec{
		{Type: "readers.faux", Tag: "faux", Params: model.Params{
			"count": 100.0, "mode": "ramp", "bounds": "([0,10],[0,10],[0,5])",
		}},
		{Type: "filters.crop", Inputs: []string{"faux"}, Params: model.Params{"bounds": "([0,5],[0,5])"}},
		{Type: "filters.reprojection", Params: model.Params{"out_srs": "EPSG:4326"}},
	}
	if diff := cmp.Diff(want, def.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, def.Input)
}

func TestParseDefinitionYAMLMatchesJSON(t *testing.T) {
	fromJSON, err := ParseDefinition([]byte(jsonPipeline), FormatAuto)
	require.NoError(t, err)
	fromYAML, err := ParseDefinition([]byte(yamlPipeline), FormatYAML)
	require.NoError(t, err)

	if diff := cmp.Diff(fromJSON.Stages, fromYAML.Stages); diff != "" {
		t.Errorf("YAML and JSON decode differently (-json +yaml):\n%s", diff)
	}
	assert.Equal(t, fromJSON.ID(), fromYAML.ID())
}

func TestParseDefinitionBareArrayAndInlinePoints(t *testing.T) {
	def, err := ParseDefinition([]byte(`[{"type": "filters.stats"}]`), FormatAuto)
	require.NoError(t, err)
	require.Len(t, def.Stages, 1)
	assert.Nil(t, def.Stages[0].Params)

	doc := `{"pipeline": [{"type": "filters.crop", "bounds": "([0,1],[0,1])"}],
	         "points": [{"x": 0.5, "y": 0.5, "z": 1, "classification": 2}, {"x": 3, "y": 3, "z": 0}],
	         "srs": "EPSG:3857"}`
	def, err = ParseDefinition([]byte(doc), FormatJSON)
	require.NoError(t, err)
	require.NotNil(t, def.Input)
	assert.Equal(t, "EPSG:3857", def.Input.SRS)
	require.Len(t, def.Input.Points, 2)
	assert.Equal(t, model.Point{X: 0.5, Y: 0.5, Z: 1, Classification: 2}, def.Input.Points[0])
	assert.Equal(t, model.KindPoints, def.InitialKind())
}

func TestParseDefinitionFilenameShorthand(t *testing.T) {
	def, err := ParseDefinition([]byte(`["input.las", {"type": "filters.smrf"}, "ground.csv"]`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"readers.las", "filters.smrf", "writers.text"}, def.StageTypes())
	assert.Equal(t, "input.las", def.Stages[0].Params["filename"])
	assert.Equal(t, "ground.csv", def.Stages[2].Params["filename"])

	_, err = ParseDefinition([]byte(`["input.laz", "out.las"]`), FormatJSON)
	requireValidationError(t, err, 0, "LAZ is not supported")

	_, err = ParseDefinition([]byte(`["input.las", "out.tiff"]`), FormatJSON)
	requireValidationError(t, err, 1, "cannot infer stage type")
}

func TestParseDefinitionRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		format Format
	}{
		{"empty", "  ", FormatAuto},
		{"bad json", `{"pipeline": [`, FormatJSON},
		{"bad yaml", "pipeline: [\n  - type: a\n bad", FormatYAML},
		{"no pipeline key", `{"stages": []}`, FormatJSON},
		{"scalar root", `42`, FormatJSON},
		{"bad points", `{"pipeline": [], "points": "nope"}`, FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}

	_, err := ParseDefinition([]byte(`{"pipeline": [42]}`), FormatJSON)
	requireValidationError(t, err, 0, "must be an object or filename")
}

func TestParseDefinitionRejectsMistypedStageFields(t *testing.T) {
	tests := []struct {
		name   string
		stage  string
		reason string
	}{
		{"numeric type", `{"type": 7}`, "type must be a string"},
		{"object tag", `{"type": "filters.stats", "tag": {"a": 1}}`, "tag must be a string"},
		{"list params", `{"type": "filters.stats", "params": ["a"]}`, "params must be an object"},
		{"numeric inputs", `{"type": "filters.stats", "inputs": 3}`, "inputs must be a string or a list"},
		{"mixed inputs", `{"type": "filters.stats", "inputs": ["a", 1]}`, "inputs must be strings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{"pipeline": [{"type": "readers.faux", "count": 1}, ` + tt.stage + `]}`
			_, err := ParseDefinition([]byte(doc), FormatJSON)
			requireValidationError(t, err, 1, tt.reason)
		})
	}

	def, err := ParseDefinition([]byte(`[{"type": "readers.faux", "count": 1, "tag": null, "params": null}]`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "readers.faux", def.Stages[0].Type)
	assert.Empty(t, def.Stages[0].Tag)
}

func TestFormatDetection(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromContentType("application/yaml"))
	assert.Equal(t, FormatYAML, FormatFromContentType("application/x-yaml; charset=utf-8"))
	assert.Equal(t, FormatJSON, FormatFromContentType("application/json"))
	assert.Equal(t, FormatAuto, FormatFromContentType(""))

	assert.Equal(t, FormatYAML, FormatFromPath("pipeline.yml"))
	assert.Equal(t, FormatJSON, FormatFromPath("pipeline.JSON"))
	assert.Equal(t, FormatAuto, FormatFromPath("pipeline"))
}
