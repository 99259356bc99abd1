package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

func requireValidationError(t *testing.T, err error, index int, reason string) *errors.ValidationError {
	t.Helper()
	require.Error(t, err)
	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr), "want ValidationError, got %T: %v", err, err)
	assert.Equal(t, index, verr.StageIndex)
	assert.Contains(t, verr.Reason, reason)
	return verr
}

func TestValidateAcceptsWellFormedPipeline(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	def := definition(
		stage("readers.test", model.Params{"count": 10.0}),
		stage("filters.pass", nil),
		stage("writers.test", nil),
	)
	assert.NoError(t, v.Validate(def))
}

func TestValidateEmptyPipeline(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	requireValidationError(t, v.Validate(definition()), 0, "no stages")
	requireValidationError(t, v.Validate(nil), 0, "no stages")
}

func TestValidateUnknownStageReportsItsIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	verr := requireValidationError(t, v.Validate(definition(stage("nonexistent-stage", nil))), 0, "unknown stage type")
	assert.Equal(t, "nonexistent-stage", verr.StageType)

	def := definition(
		stage("readers.test", nil),
		stage("filters.pass", nil),
		stage("filters.nope", nil),
		stage("writers.test", nil),
	)
	requireValidationError(t, v.Validate(def), 2, "filters.nope")
}

func TestValidateParams(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	tests := []struct {
		name   string
		params model.Params
		reason string
	}{
		{"missing required", model.Params{}, `missing required parameter "required_num"`},
		{"number as string", model.Params{"required_num": "12"}, "must be a number"},
		{"infinite number", model.Params{"required_num": math.Inf(1)}, "must be finite"},
		{"nan", model.Params{"required_num": math.NaN()}, "must be finite"},
		{"bool kind", model.Params{"required_num": 1.0, "flag": "yes"}, "must be a boolean"},
		{"string kind", model.Params{"required_num": 1.0, "label": 3.0}, "must be a string"},
		{"empty path", model.Params{"required_num": 1.0, "file": ""}, "must not be empty"},
		{"unknown param", model.Params{"required_num": 1.0, "bogus": true}, `unknown parameter "bogus"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := definition(stage("readers.test", nil), stage("filters.params", tt.params))
			requireValidationError(t, v.Validate(def), 1, tt.reason)
		})
	}

	ok := definition(stage("readers.test", nil), stage("filters.params", model.Params{
		"required_num": 2, "flag": true, "label": "x", "file": "a.las",
	}))
	assert.NoError(t, v.Validate(ok))
}

func TestValidateAllowsExtraParamsWhenDeclared(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	def := definition(stage("readers.test", nil), stage("filters.extra", model.Params{"anything": []interface{}{1.0}}))
	assert.NoError(t, v.Validate(def))
}

func TestValidateChainKinds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	// writer output (bytes) cannot feed a filter
	def := definition(stage("readers.test", nil), stage("writers.test", nil), stage("filters.pass", nil))
	requireValidationError(t, v.Validate(def), 2, "consumes points but previous output is bytes")

	// a filter needs points before it
	requireValidationError(t, v.Validate(definition(stage("filters.pass", nil))), 0, "previous output is none")

	// metadata is terminal for point stages
	def = definition(stage("readers.test", nil), stage("filters.info", nil), stage("writers.test", nil))
	requireValidationError(t, v.Validate(def), 2, "previous output is metadata")

	// an external input makes points available to the first stage
	withInput := definition(stage("filters.pass", nil), stage("writers.test", nil))
	withInput.Input = &model.PointView{Points: []model.Point{{X: 1}}}
	assert.NoError(t, v.Validate(withInput))

	// and readers then see points rather than nothing
	withInput = definition(stage("readers.test", nil))
	withInput.Input = &model.PointView{}
	requireValidationError(t, v.Validate(withInput), 0, "consumes none but previous output is points")
}

func TestValidateInputsAreSequential(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	def := definition(
		model.StageSpec{Type: "readers.test", Tag: "read"},
		model.StageSpec{Type: "filters.pass", Tag: "pass", Inputs: []string{"read"}},
		model.StageSpec{Type: "writers.test", Inputs: []string{"pass"}},
	)
	assert.NoError(t, v.Validate(def))

	def.Stages[2].Inputs = []string{"read"}
	requireValidationError(t, v.Validate(def), 2, `input "read" is not the previous stage`)

	def.Stages[2].Inputs = []string{"pass", "read"}
	requireValidationError(t, v.Validate(def), 2, "takes one input")

	def = definition(
		model.StageSpec{Type: "readers.test", Tag: "dup"},
		model.StageSpec{Type: "filters.pass", Tag: "dup"},
	)
	requireValidationError(t, v.Validate(def), 1, "already used")
}

func TestValidateSourceInput(t *testing.T) {
	reg, _ := newTestRegistry(t)
	v := NewValidator(reg)

	def := definition(model.StageSpec{Type: "filters.pass", Inputs: []string{model.SourceInput}})
	def.Input = &model.PointView{}
	assert.NoError(t, v.Validate(def))

	def.Input = nil
	requireValidationError(t, v.Validate(def), 0, "no external input")
}

func TestValidateInlineInputLimit(t *testing.T) {
	reg, _ := newTestRegistry(t)
	exec := NewExecutor(reg, WithMaxPoints(2))

	def := definition(stage("filters.pass", nil))
	def.Input = &model.PointView{Points: make([]model.Point, 2)}
	assert.NoError(t, exec.Validate(def))

	def.Input.Points = append(def.Input.Points, model.Point{})
	requireValidationError(t, exec.Validate(def), 0, "over the limit of 2")

	assert.NoError(t, NewExecutor(reg).Validate(def), "no limit by default")
}

func TestValidateNeverExecutesStages(t *testing.T) {
	reg, ts := newTestRegistry(t)
	v := NewValidator(reg)

	_ = v.Validate(definition(stage("readers.test", nil), stage("filters.panic", nil), stage("writers.test", nil)))
	_ = v.Validate(definition(stage("readers.test", nil), stage("filters.nope", nil)))
	assert.Zero(t, ts.Calls.Load())
}
