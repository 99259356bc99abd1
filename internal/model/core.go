package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Params maps a stage parameter name to its value. Values are string,
// float64 or bool once a definition has been parsed; paths are strings.
type Params map[string]interface{}

// String returns the string parameter name or def when absent.
func (p Params) String(name, def string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return def
}

// Number returns the numeric parameter name or def when absent.
func (p Params) Number(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the boolean parameter name or def when absent.
func (p Params) Bool(name string, def bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return def
}

// Has reports whether the parameter is present.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// StageSpec is one entry of a pipeline definition.
type StageSpec struct {
	Type   string   `json:"type"`
	Tag    string   `json:"tag,omitempty"`
	Inputs []string `json:"inputs,omitempty"` // previous stage tag, or "source" for external input
	Params Params   `json:"params,omitempty"`
}

// SourceInput is the Inputs reference naming the definition's external input.
const SourceInput = "source"

// PipelineDefinition is an ordered stage list plus an optional external
// input. It is never mutated after submission.
type PipelineDefinition struct {
	Stages []StageSpec `json:"pipeline"`
	Input  *PointView  `json:"input,omitempty"`
}

// ID returns the content hash of the ordered stage list.
func (d *PipelineDefinition) ID() string {
	// encoding/json sorts map keys, so equal stage lists hash equally
	data, err := json.Marshal(d.Stages)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InitialKind is the data kind visible to the first stage.
func (d *PipelineDefinition) InitialKind() DataKind {
	if d.Input != nil {
		return KindPoints
	}
	return KindNone
}

// StageTypes lists the stage type names in order.
func (d *PipelineDefinition) StageTypes() []string {
	types := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		types[i] = s.Type
	}
	return types
}
