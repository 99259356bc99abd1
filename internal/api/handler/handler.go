// Package handler implements the HTTP endpoints of the pipeline service.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/pkg/utils"
)

// History is the read side of the job ledger.
type History interface {
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
}

// Deps are the collaborators of the handlers. History, Outputs and Limiter
// are optional.
type Deps struct {
	Jobs     *jobs.Manager
	Registry *pipeline.Registry
	History  History
	Outputs  *utils.OutputManager
	Limiter  *rate.Limiter
	// DataDir receives uploads; reader paths are relative to it.
	DataDir        string
	MaxUploadBytes int64
}

// Handler serves the API.
type Handler struct {
	jobs      *jobs.Manager
	registry  *pipeline.Registry
	history   History
	outputs   *utils.OutputManager
	limiter   *rate.Limiter
	dataDir   string
	maxUpload int64
	log       *zap.SugaredLogger
}

const defaultMaxUpload = 512 << 20

// New creates a Handler.
func New(deps Deps) *Handler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handler{
		jobs:      deps.Jobs,
		registry:  deps.Registry,
		history:   deps.History,
		outputs:   deps.Outputs,
		limiter:   deps.Limiter,
		dataDir:   deps.DataDir,
		maxUpload: maxUpload,
		log:       logger.ComponentLogger("api"),
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	StageIndex *int     `json:"stage_index,omitempty"`
	StageType  string   `json:"stage_type,omitempty"`
	Hints      []string `json:"hints,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case errors.CodeValidation, errors.CodeInvalid:
		return http.StatusBadRequest
	case errors.CodeNotFound, errors.CodeUnknownStage:
		return http.StatusNotFound
	case errors.CodeCapacity:
		return http.StatusTooManyRequests
	case errors.CodeNotReady, errors.CodeTerminal, errors.CodeCancelled:
		return http.StatusConflict
	case errors.CodeExpired:
		return http.StatusGone
	case errors.CodeStage, errors.CodeTimeout:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.Code(err)
	status := statusFor(code)
	resp := ErrorResponse{Error: err.Error(), Code: code, Hints: errors.GetAllHints(err)}

	var verr *errors.ValidationError
	var serr *errors.StageExecutionError
	switch {
	case errors.As(err, &verr):
		resp.StageIndex, resp.StageType = &verr.StageIndex, verr.StageType
	case errors.As(err, &serr):
		resp.StageIndex, resp.StageType = &serr.StageIndex, serr.StageType
	}

	if status >= http.StatusInternalServerError {
		h.log.Errorw("Request failed", logger.FieldPath, r.URL.Path, logger.FieldError, err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathParam extracts the segment of path between prefix and suffix.
// It returns "" when the path does not have that shape.
func pathParam(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	if len(path) < len(prefix)+len(suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
