package model

import "math"

// DataKind is the shape of data a stage consumes or produces.
type DataKind string

const (
	KindNone     DataKind = "none"     // nothing, readers start from here
	KindPoints   DataKind = "points"   // a point view
	KindMetadata DataKind = "metadata" // structured metadata only
	KindBytes    DataKind = "bytes"    // serialized point-cloud output
)

// Point is a single survey point.
type Point struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	Intensity      uint16  `json:"intensity,omitempty"`
	Classification uint8   `json:"classification,omitempty"`
	ReturnNumber   uint8   `json:"return_number,omitempty"`
}

// PointView is an in-memory point cloud in one spatial reference system.
type PointView struct {
	SRS    string  `json:"srs,omitempty"`
	Points []Point `json:"points"`
}

// Len returns the number of points in the view.
func (v *PointView) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Points)
}

// Clone returns a deep copy so stages never alias their input.
func (v *PointView) Clone() *PointView {
	if v == nil {
		return nil
	}
	points := make([]Point, len(v.Points))
	copy(points, v.Points)
	return &PointView{SRS: v.SRS, Points: points}
}

// Bounds is a 3D axis-aligned bounding box.
type Bounds struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MinZ float64 `json:"minz"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	MaxZ float64 `json:"maxz"`
}

// Bounds computes the bounding box of the view. An empty view has zero bounds.
func (v *PointView) Bounds() Bounds {
	if v.Len() == 0 {
		return Bounds{}
	}
	b := Bounds{
		MinX: math.Inf(1), MinY: math.Inf(1), MinZ: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1), MaxZ: math.Inf(-1),
	}
	for _, p := range v.Points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MinZ = math.Min(b.MinZ, p.Z)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
		b.MaxZ = math.Max(b.MaxZ, p.Z)
	}
	return b
}

// Payload is the handle passed from one stage to the next.
type Payload struct {
	Kind        DataKind
	View        *PointView
	Metadata    map[string]interface{}
	Data        []byte
	ContentType string
}

// NewPointsPayload wraps a point view.
func NewPointsPayload(view *PointView) *Payload {
	return &Payload{Kind: KindPoints, View: view}
}

// Count returns the number of records carried by the payload.
func (p *Payload) Count() int {
	if p == nil {
		return 0
	}
	if p.View != nil {
		return p.View.Len()
	}
	if c, ok := p.Metadata["count"].(int); ok {
		return c
	}
	return 0
}
