package model

import "time"

// ResultKind distinguishes byte payloads from metadata-only results.
type ResultKind string

const (
	KindResultBytes    ResultKind = "bytes"
	KindResultMetadata ResultKind = "metadata"
)

// ResultMetadata summarises the point cloud a job produced.
type ResultMetadata struct {
	PointCount int                    `json:"point_count"`
	Bounds     Bounds                 `json:"bounds"`
	SRS        string                 `json:"srs,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Result is the committed output of a succeeded job. It is immutable once
// handed to the result store.
type Result struct {
	JobID       string         `json:"job_id"`
	Kind        ResultKind     `json:"kind"`
	Data        []byte         `json:"-"`
	ContentType string         `json:"content_type,omitempty"`
	Filename    string         `json:"filename,omitempty"`
	Metadata    ResultMetadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Size returns the byte length of the payload.
func (r *Result) Size() int {
	return len(r.Data)
}
