package pipeline

import (
	"context"
	"sort"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// ParamKind is the declared type of a stage parameter.
type ParamKind string

const (
	ParamString  ParamKind = "string"
	ParamNumber  ParamKind = "number"
	ParamBoolean ParamKind = "boolean"
	ParamPath    ParamKind = "path"
)

// ParamSpec describes one stage parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Kind        ParamKind `json:"kind"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// StageDescriptor is the static description of a registered stage type.
type StageDescriptor struct {
	Type             string         `json:"type"`
	Description      string         `json:"description"`
	Params           []ParamSpec    `json:"params"`
	AllowExtraParams bool           `json:"allow_extra_params,omitempty"`
	Input            model.DataKind `json:"input"`
	Output           model.DataKind `json:"output"`
	Idempotent       bool           `json:"idempotent,omitempty"`
}

// Param returns the spec for name, if declared.
func (d StageDescriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Stage executes one step of a pipeline. Implementations must not mutate
// in; they return a fresh payload.
type Stage interface {
	Execute(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error)

// Execute calls f.
func (f StageFunc) Execute(ctx context.Context, params model.Params, in *model.Payload) (*model.Payload, error) {
	return f(ctx, params, in)
}

// Entry pairs a descriptor with its implementation.
type Entry struct {
	Descriptor StageDescriptor
	Stage      Stage
}

// Registry is the immutable catalogue of known stage types. It is built once
// at startup and shared read-only between goroutines.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry builds a registry from entries.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := e.Descriptor.Type
		if name == "" {
			return nil, errors.New("stage descriptor without type name")
		}
		if e.Stage == nil {
			return nil, errors.Newf("stage %q has no implementation", name)
		}
		if _, dup := r.entries[name]; dup {
			return nil, errors.Newf("stage %q registered twice", name)
		}
		r.entries[name] = e
	}
	return r, nil
}

// Lookup returns the descriptor for stageType.
func (r *Registry) Lookup(stageType string) (StageDescriptor, error) {
	e, ok := r.entries[stageType]
	if !ok {
		return StageDescriptor{}, errors.Wrapf(errors.ErrStageNotFound, "%q", stageType)
	}
	return e.Descriptor, nil
}

// Stage returns the implementation for stageType.
func (r *Registry) Stage(stageType string) (Stage, error) {
	e, ok := r.entries[stageType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrStageNotFound, "%q", stageType)
	}
	return e.Stage, nil
}

// Descriptors lists every registered stage sorted by type name.
func (r *Registry) Descriptors() []StageDescriptor {
	out := make([]StageDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	return len(r.entries)
}
