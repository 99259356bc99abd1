package pipeline

import (
	"math"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/pkg/utils"
)

// Validator checks pipeline definitions against a registry. It performs no
// I/O and never executes a stage.
type Validator struct {
	registry  *Registry
	maxPoints int
}

// NewValidator returns a validator bound to registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns nil or the first *errors.ValidationError found, scanning
// stages in order.
func (v *Validator) Validate(def *model.PipelineDefinition) error {
	if def == nil || len(def.Stages) == 0 {
		return errors.NewValidationError(0, "", "pipeline has no stages")
	}
	if v.maxPoints > 0 && def.Input != nil && def.Input.Len() > v.maxPoints {
		return errors.NewValidationError(0, def.Stages[0].Type,
			"inline input holds %d points, over the limit of %d", def.Input.Len(), v.maxPoints)
	}

	prevKind := def.InitialKind()
	tags := make(map[string]int, len(def.Stages))

	for i, spec := range def.Stages {
		desc, err := v.registry.Lookup(spec.Type)
		if err != nil {
			if spec.Type == "" {
				return errors.NewValidationError(i, "", "stage type is empty")
			}
			return errors.NewValidationError(i, spec.Type, "unknown stage type %q", spec.Type)
		}

		if err := validateParams(spec.Params, desc); err != nil {
			return errors.NewValidationError(i, spec.Type, "%s", err.Error())
		}

		if spec.Tag != "" {
			if first, dup := tags[spec.Tag]; dup {
				return errors.NewValidationError(i, spec.Type, "tag %q already used by stage %d", spec.Tag, first)
			}
			tags[spec.Tag] = i
		}

		if err := validateInputs(def, i); err != nil {
			return errors.NewValidationError(i, spec.Type, "%s", err.Error())
		}

		if desc.Input != prevKind {
			return errors.NewValidationError(i, spec.Type,
				"stage consumes %s but previous output is %s", desc.Input, prevKind)
		}
		prevKind = desc.Output
	}
	return nil
}

// validateParams applies the descriptor's parameter rules to params.
func validateParams(params model.Params, desc StageDescriptor) error {
	// Check required params
	for _, p := range desc.Params {
		if p.Required && !params.Has(p.Name) {
			return errors.Newf("missing required parameter %q", p.Name)
		}
	}

	// Check kinds
	for name, val := range params {
		spec, ok := desc.Param(name)
		if !ok {
			if desc.AllowExtraParams {
				continue
			}
			return errors.Newf("unknown parameter %q", name)
		}
		if err := checkKind(name, spec.Kind, val); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(name string, kind ParamKind, val interface{}) error {
	switch kind {
	case ParamNumber:
		f, ok := utils.Numeric(val)
		if !ok {
			return errors.Newf("parameter %q must be a number, got %T", name, val)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Newf("parameter %q must be finite", name)
		}
	case ParamBoolean:
		if _, ok := val.(bool); !ok {
			return errors.Newf("parameter %q must be a boolean, got %T", name, val)
		}
	case ParamString:
		if _, ok := val.(string); !ok {
			return errors.Newf("parameter %q must be a string, got %T", name, val)
		}
	case ParamPath:
		s, ok := val.(string)
		if !ok {
			return errors.Newf("parameter %q must be a path string, got %T", name, val)
		}
		if s == "" {
			return errors.Newf("parameter %q must not be empty", name)
		}
	}
	return nil
}

// validateInputs enforces strictly sequential wiring: a stage may only name
// its predecessor's tag, or the external source for the first stage.
func validateInputs(def *model.PipelineDefinition, i int) error {
	inputs := def.Stages[i].Inputs
	if len(inputs) == 0 {
		return nil
	}
	if len(inputs) > 1 {
		return errors.Newf("stage takes one input, got %d", len(inputs))
	}
	ref := inputs[0]
	if i == 0 {
		if ref == model.SourceInput && def.Input != nil {
			return nil
		}
		if ref == model.SourceInput {
			return errors.New("input \"source\" named but the pipeline has no external input")
		}
		return errors.Newf("first stage cannot read from %q", ref)
	}
	prev := def.Stages[i-1].Tag
	if prev == "" || ref != prev {
		return errors.Newf("input %q is not the previous stage", ref)
	}
	return nil
}
