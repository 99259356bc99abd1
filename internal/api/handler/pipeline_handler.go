package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
)

const pipelinesPrefix = "/api/v1/pipelines/"

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID       string         `json:"jobID"`
	PipelineID  string         `json:"pipelineID"`
	Status      model.JobState `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	DownloadURL string         `json:"download_url,omitempty"`
}

// ValidateResponse reports a successful dry run.
type ValidateResponse struct {
	Valid      bool     `json:"valid"`
	PipelineID string   `json:"pipelineID"`
	Stages     []string `json:"stages"`
}

// JobList is the body of the list endpoint.
type JobList struct {
	Jobs   []model.Job     `json:"jobs"`
	Count  int             `json:"count"`
	Counts model.JobCounts `json:"counts"`
}

// readDefinition parses the request body as a pipeline document. The
// Content-Type selects YAML or JSON; anything else is sniffed.
func (h *Handler) readDefinition(w http.ResponseWriter, r *http.Request) (*model.PipelineDefinition, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		return nil, errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "read request body")
	}
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty request body")
	}
	return pipeline.ParseDefinition(data, pipeline.FormatFromContentType(r.Header.Get("Content-Type")))
}

// ListStages returns the registered stage types
// @Summary List stage types
// @Description Describe every stage type the registry knows, with its parameters and data kinds
// @Tags stages
// @Produce json
// @Success 200 {object} map[string]interface{} "Stage descriptors"
// @Router /stages [get]
func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	descriptors := h.registry.Descriptors()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stages": descriptors,
		"count":  len(descriptors),
	})
}

// ValidatePipeline checks a pipeline without running it
// @Summary Validate a pipeline
// @Description Dry-run validation of a pipeline definition
// @Tags pipelines
// @Accept json,application/yaml
// @Produce json
// @Param pipeline body model.PipelineDefinition true "Pipeline definition"
// @Success 200 {object} ValidateResponse "Pipeline is valid"
// @Failure 400 {object} ErrorResponse "Invalid pipeline"
// @Router /pipelines/validate [post]
func (h *Handler) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	def, err := h.readDefinition(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.jobs.Validate(def); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, PipelineID: def.ID(), Stages: def.StageTypes()})
}

// CreatePipeline submits a pipeline for asynchronous execution
// @Summary Submit a pipeline
// @Description Validate a pipeline definition and queue it as a job
// @Tags pipelines
// @Accept json,application/yaml
// @Produce json
// @Param pipeline body model.PipelineDefinition true "Pipeline definition"
// @Success 202 {object} SubmitResponse "Job queued"
// @Failure 400 {object} ErrorResponse "Invalid pipeline"
// @Failure 429 {object} ErrorResponse "Queue full or rate limited"
// @Router /pipelines [post]
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.writeError(w, r, errors.WithHint(
			errors.Wrap(errors.ErrCapacity, "submission rate exceeded"), "slow down and retry"))
		return
	}
	def, err := h.readDefinition(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.submit(w, r, def, "")
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, def *model.PipelineDefinition, downloadName string, opts ...jobs.SubmitOption) {
	jobID, err := h.jobs.Submit(r.Context(), def, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.jobs.Status(jobID)
	if err != nil {
		// evicted already; only possible with a tiny retention
		job = model.Job{ID: jobID, PipelineID: def.ID(), State: model.JobQueued}
	}

	resp := SubmitResponse{JobID: jobID, PipelineID: job.PipelineID, Status: job.State, CreatedAt: job.CreatedAt}
	if downloadName != "" && h.outputs != nil {
		resp.DownloadURL = h.outputs.GetDownloadURL(jobID, downloadName)
	}
	w.Header().Set("Location", pipelinesPrefix+jobID)
	writeJSON(w, http.StatusAccepted, resp)
}

// ListPipelines lists jobs
// @Summary List jobs
// @Description Jobs in the active table, or the ledger history with history=true
// @Tags pipelines
// @Produce json
// @Param history query bool false "Read from the job ledger"
// @Param limit query int false "Maximum number of history rows"
// @Success 200 {object} JobList "Jobs"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /pipelines [get]
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	history, _ := strconv.ParseBool(q.Get("history"))

	var list []model.Job
	if history && h.history != nil {
		limit := 100
		if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
			limit = v
		}
		var err error
		list, err = h.history.ListJobs(r.Context(), limit)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		list = h.jobs.List()
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: list, Count: len(list), Counts: h.jobs.Counts()})
}

// GetPipeline returns a job's status and diagnostics
// @Summary Get job status
// @Description State, timestamps and per-stage diagnostics of a job
// @Tags pipelines
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} model.Job "Job"
// @Failure 404 {object} ErrorResponse "Unknown job"
// @Router /pipelines/{id} [get]
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r.URL.Path, pipelinesPrefix, "")
	if id == "" {
		h.writeError(w, r, errors.Wrap(errors.ErrNotFound, "job ID is required"))
		return
	}
	job, err := h.jobs.Status(id)
	if errors.Is(err, errors.ErrNotFound) && h.history != nil {
		// evicted from the active table; the ledger still knows it
		job, err = h.history.GetJob(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetPipelineResult returns the committed result of a job
// @Summary Get job result
// @Description Writer output bytes, or metadata JSON for pipelines without a writer (format=json forces JSON)
// @Tags pipelines
// @Produce json,octet-stream
// @Param id path string true "Job ID"
// @Param format query string false "json to return metadata only"
// @Success 200 {object} model.Result "Result"
// @Failure 404 {object} ErrorResponse "Unknown job"
// @Failure 409 {object} ErrorResponse "Job not finished or cancelled"
// @Failure 410 {object} ErrorResponse "Result expired"
// @Failure 422 {object} ErrorResponse "Job failed"
// @Router /pipelines/{id}/result [get]
func (h *Handler) GetPipelineResult(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r.URL.Path, pipelinesPrefix, "/result")
	if id == "" {
		h.writeError(w, r, errors.Wrap(errors.ErrNotFound, "job ID is required"))
		return
	}
	res, err := h.jobs.Result(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if res.Kind != model.KindResultBytes || r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	name := res.Filename
	if name == "" {
		name = id + ".bin"
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(res.Size()))
	w.Header().Set("X-Point-Count", strconv.Itoa(res.Metadata.PointCount))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		h.log.Debugw("Result write interrupted", logger.FieldJobID, id, logger.FieldError, err)
	}
}

// DeletePipelineResult evicts a job's result
// @Summary Delete job result
// @Description Remove a committed result before its retention window ends
// @Tags pipelines
// @Param id path string true "Job ID"
// @Success 204 "Deleted"
// @Failure 404 {object} ErrorResponse "No stored result"
// @Router /pipelines/{id}/result [delete]
func (h *Handler) DeletePipelineResult(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r.URL.Path, pipelinesPrefix, "/result")
	if err := h.jobs.DeleteResult(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelPipeline requests cancellation of a job
// @Summary Cancel a job
// @Description Queued jobs are cancelled at once; running jobs stop at the next stage boundary
// @Tags pipelines
// @Produce json
// @Param id path string true "Job ID"
// @Success 202 {object} map[string]interface{} "Cancellation accepted"
// @Failure 404 {object} ErrorResponse "Unknown job"
// @Failure 409 {object} ErrorResponse "Job already terminal"
// @Router /pipelines/{id}/cancel [post]
func (h *Handler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r.URL.Path, pipelinesPrefix, "/cancel")
	if id == "" {
		h.writeError(w, r, errors.Wrap(errors.ErrNotFound, "job ID is required"))
		return
	}
	if err := h.jobs.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{"jobID": id, "status": "cancelling"}
	if job, err := h.jobs.Status(id); err == nil && job.State.IsTerminal() {
		resp["status"] = job.State
	}
	writeJSON(w, http.StatusAccepted, resp)
}
