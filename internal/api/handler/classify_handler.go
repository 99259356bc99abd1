package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/pkg/utils"
)

const (
	downloadPrefix        = "/api/v1/download/"
	defaultClassifiedName = "classified.las"
)

// ClassifyFile runs ground classification on an uploaded LAS file
// @Summary Classify a LAS upload
// @Description Upload a .las file and queue readers.las -> filters.smrf -> writers.las. The upload is deleted when the job ends.
// @Tags classify
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "LAS file"
// @Param ground formData bool false "Run ground classification (default true)"
// @Param output_filename formData string false "Output file name (default classified.las)"
// @Success 202 {object} SubmitResponse "Job queued"
// @Failure 400 {object} ErrorResponse "Invalid upload"
// @Failure 429 {object} ErrorResponse "Queue full"
// @Router /classify [post]
func (h *Handler) ClassifyFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, r, errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "parse multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, errors.Wrap(errors.ErrInvalidRequest, "form field \"file\" is required"))
		return
	}
	defer file.Close()
	if !strings.EqualFold(filepath.Ext(header.Filename), ".las") {
		h.writeError(w, r, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidRequest, "unsupported upload %q", header.Filename),
			"only uncompressed .las files are accepted"))
		return
	}

	ground := true
	if v := r.FormValue("ground"); v != "" {
		ground, err = strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, errors.Wrapf(errors.ErrInvalidRequest, "ground must be a boolean, got %q", v))
			return
		}
	}
	outName := r.FormValue("output_filename")
	if outName == "" {
		outName = defaultClassifiedName
	}
	outName = utils.EnsureExtension(filepath.Base(outName), ".las")

	uploadName, err := h.saveUpload(file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	uploadPath := filepath.Join(h.dataDir, uploadName)
	removeUpload := func() {
		if err := os.Remove(uploadPath); err != nil && !os.IsNotExist(err) {
			h.log.Warnw("Failed to remove upload", "path", uploadPath, logger.FieldError, err)
		}
	}

	stages := []model.StageSpec{{Type: "readers.las", Params: model.Params{"filename": uploadName}}}
	if ground {
		stages = append(stages, model.StageSpec{Type: "filters.smrf"})
	}
	stages = append(stages, model.StageSpec{Type: "writers.las", Params: model.Params{"filename": outName}})
	def := &model.PipelineDefinition{Stages: stages}

	h.submitUpload(w, r, def, outName, removeUpload)
}

// submitUpload queues def and ties the upload's lifetime to the job.
func (h *Handler) submitUpload(w http.ResponseWriter, r *http.Request, def *model.PipelineDefinition, outName string, removeUpload func()) {
	rec := &statusRecorder{ResponseWriter: w}
	h.submit(rec, r, def, outName, jobs.OnFinish(func(model.Job) { removeUpload() }))
	if rec.status != http.StatusAccepted {
		removeUpload()
	}
}

func (h *Handler) saveUpload(src io.Reader) (string, error) {
	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create upload directory")
	}
	name := fmt.Sprintf("upload-%s.las", uuid.New().String())
	dst, err := os.Create(filepath.Join(h.dataDir, name))
	if err != nil {
		return "", errors.Wrap(err, "create upload file")
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", errors.Wrap(errors.WithDetail(errors.ErrInvalidRequest, err.Error()), "store upload")
	}
	return name, nil
}

// DownloadFile serves a file written by a writer stage
// @Summary Download a job output file
// @Description Files written by writer stages into the job's output directory
// @Tags classify
// @Produce octet-stream
// @Param jobID path string true "Job ID"
// @Param filename path string true "File name"
// @Success 200 {file} file "Output file"
// @Failure 404 {object} ErrorResponse "No such file"
// @Router /download/{jobID}/{filename} [get]
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, downloadPrefix)
	jobID, filename, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" || filename == "" || strings.Contains(filename, "/") || h.outputs == nil {
		h.writeError(w, r, errors.Wrap(errors.ErrNotFound, "no such output file"))
		return
	}
	path, err := h.outputs.LookupOutputFile(jobID, filename)
	if err != nil {
		h.writeError(w, r, errors.Wrapf(errors.ErrNotFound, "output %s of job %s", filename, jobID))
		return
	}
	w.Header().Set("Content-Type", h.outputs.GetContentType(filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
