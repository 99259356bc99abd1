package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"go-pointcloud-pipeline/internal/api/handler"
	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/model"
	"go-pointcloud-pipeline/internal/pipeline"
	"go-pointcloud-pipeline/internal/results"
	"go-pointcloud-pipeline/internal/stages"
	"go-pointcloud-pipeline/internal/store"
	"go-pointcloud-pipeline/pkg/router"
	"go-pointcloud-pipeline/pkg/utils"
)

type testServer struct {
	*httptest.Server
	manager   *jobs.Manager
	dataDir   string
	outputDir string
	release   chan struct{}
}

type serverOptions struct {
	limiter *rate.Limiter
	ledger  *store.Ledger
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	ts := &testServer{
		dataDir:   t.TempDir(),
		outputDir: t.TempDir(),
		release:   make(chan struct{}),
	}

	entries := append(stages.Builtin(stages.Options{DataDir: ts.dataDir, OutputDir: ts.outputDir}),
		pipeline.Entry{
			Descriptor: pipeline.StageDescriptor{Type: "filters.hold", Input: model.KindPoints, Output: model.KindPoints},
			Stage: pipeline.StageFunc(func(ctx context.Context, _ model.Params, in *model.Payload) (*model.Payload, error) {
				select {
				case <-ts.release:
				case <-time.After(5 * time.Second):
				}
				return model.NewPointsPayload(in.View.Clone()), nil
			}),
		})
	reg, err := pipeline.NewRegistry(entries...)
	require.NoError(t, err)

	outputs := utils.NewOutputManager(ts.outputDir)
	promReg := prometheus.NewRegistry()
	managerOpts := []jobs.Option{jobs.WithOutputs(outputs), jobs.WithMetrics(jobs.NewMetrics(promReg))}
	var history handler.History
	if opts.ledger != nil {
		managerOpts = append(managerOpts, jobs.WithLedger(opts.ledger))
		history = opts.ledger
	}
	ts.manager = jobs.NewManager(jobs.Config{MaxConcurrentJobs: 2}, pipeline.NewExecutor(reg), results.New(time.Hour), managerOpts...)

	h := handler.New(handler.Deps{
		Jobs:     ts.manager,
		Registry: reg,
		History:  history,
		Outputs:  outputs,
		Limiter:  opts.limiter,
		DataDir:  ts.dataDir,
	})
	r := router.New(nil)
	RegisterRoutes(r, h, promReg)
	ts.Server = httptest.NewServer(r)

	t.Cleanup(func() {
		ts.Server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.manager.Stop(ctx)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (ts *testServer) submit(t *testing.T, body string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/pipelines", "application/json", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub handler.SubmitResponse
	decode(t, resp, &sub)
	require.NotEmpty(t, sub.JobID)
	assert.Equal(t, "/api/v1/pipelines/"+sub.JobID, resp.Header.Get("Location"))
	return sub.JobID
}

func (ts *testServer) wait(t *testing.T, id string) model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := ts.manager.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestRootHealthAndStages(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	var banner map[string]string
	decode(t, ts.do(t, http.MethodGet, "/", "", ""), &banner)
	assert.Equal(t, "PDAL pipeline API is running.", banner["message"])

	var health handler.HealthResponse
	resp := ts.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.System.SlotsTotal)
	assert.Equal(t, 15, health.Stages)

	var list struct {
		Stages []pipeline.StageDescriptor `json:"stages"`
		Count  int                        `json:"count"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/stages", "", ""), &list)
	assert.Equal(t, 15, list.Count)
	assert.Equal(t, "filters.assign", list.Stages[0].Type)
}

func TestSubmitStatusAndResult(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	id := ts.submit(t, `{"pipeline": [
		{"type": "readers.faux", "count": 100, "mode": "ramp", "bounds": "([0,500],[0,500],[0,20])", "srs": "EPSG:3857"},
		{"type": "filters.crop", "bounds": "([-1,501],[-1,501])"},
		{"type": "filters.reprojection", "out_srs": "EPSG:4326"}
	]}`)
	ts.wait(t, id)

	var job model.Job
	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &job)
	assert.Equal(t, model.JobSucceeded, job.State)
	require.Len(t, job.Diagnostics, 3)
	assert.Equal(t, "filters.reprojection", job.Diagnostics[2].StageType)

	var res model.Result
	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id+"/result", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &res)
	assert.Equal(t, 100, res.Metadata.PointCount)
	assert.Equal(t, "EPSG:4326", res.Metadata.SRS)

	var list handler.JobList
	decode(t, ts.do(t, http.MethodGet, "/api/v1/pipelines", "", ""), &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 1, list.Counts.Succeeded)

	resp = ts.do(t, http.MethodDelete, "/api/v1/pipelines/"+id+"/result", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/api/v1/pipelines/"+id+"/result", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitYAML(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	id := ts.submit(t, "pipeline:\n  - type: readers.faux\n    count: 10\n  - type: filters.stats\n")
	assert.Equal(t, model.JobSucceeded, ts.wait(t, id).State)
}

func TestSubmitInvalidPipeline(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/api/v1/pipelines", "application/json",
		`{"pipeline": [{"type": "nonexistent-stage"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body handler.ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, errors.CodeValidation, body.Code)
	require.NotNil(t, body.StageIndex)
	assert.Equal(t, 0, *body.StageIndex)
	assert.Empty(t, ts.manager.List())

	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines", "application/json", `{"stages": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines", "application/json", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/api/v1/pipelines/validate", "application/json",
		`[{"type": "readers.faux", "count": 5}, {"type": "filters.stats"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body handler.ValidateResponse
	decode(t, resp, &body)
	assert.True(t, body.Valid)
	assert.Equal(t, []string{"readers.faux", "filters.stats"}, body.Stages)
	assert.Empty(t, ts.manager.List(), "validation never queues a job")

	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines/validate", "application/json",
		`[{"type": "readers.faux"}, {"type": "filters.crop"}]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var verr handler.ErrorResponse
	decode(t, resp, &verr)
	require.NotNil(t, verr.StageIndex)
	assert.Equal(t, 1, *verr.StageIndex)
}

func TestResultStatusCodes(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/unknown/result", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	running := ts.submit(t, `[{"type": "readers.faux", "count": 3}, {"type": "filters.hold"}]`)
	require.Eventually(t, func() bool {
		job, err := ts.manager.Status(running)
		return err == nil && job.State == model.JobRunning
	}, 5*time.Second, 5*time.Millisecond)
	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+running+"/result", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines/"+running+"/cancel", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	close(ts.release)
	assert.Equal(t, model.JobCancelled, ts.wait(t, running).State)

	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+running+"/result", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body handler.ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, errors.CodeCancelled, body.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines/"+running+"/cancel", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines/unknown/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	failed := ts.submit(t, `[{"type": "readers.text", "filename": "missing.csv"}]`)
	assert.Equal(t, model.JobFailed, ts.wait(t, failed).State)
	resp = ts.do(t, http.MethodGet, "/api/v1/pipelines/"+failed+"/result", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, errors.CodeStage, body.Code)
	require.NotNil(t, body.StageIndex)
	assert.Equal(t, 0, *body.StageIndex)
}

func TestRateLimitedSubmission(t *testing.T) {
	ts := newTestServer(t, serverOptions{limiter: rate.NewLimiter(rate.Limit(0), 1)})

	ts.submit(t, `[{"type": "readers.faux", "count": 1}]`)
	resp := ts.do(t, http.MethodPost, "/api/v1/pipelines", "application/json", `[{"type": "readers.faux", "count": 1}]`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body handler.ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, errors.CodeCapacity, body.Code)
	assert.NotEmpty(t, body.Hints)
}

func TestWriterResultAndDownload(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	id := ts.submit(t, `[{"type": "readers.faux", "count": 4, "mode": "ramp"}, {"type": "writers.text", "filename": "points.csv"}]`)
	require.Equal(t, model.JobSucceeded, ts.wait(t, id).State)

	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/"+id+"/result", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="points.csv"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "4", resp.Header.Get("X-Point-Count"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(data), "\n"))

	resp = ts.do(t, http.MethodGet, "/api/v1/download/"+id+"/points.csv", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	downloaded, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, downloaded)

	resp = ts.do(t, http.MethodGet, "/api/v1/download/"+id+"/other.csv", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/download/"+id, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func multipartUpload(t *testing.T, filename string, data []byte, fields map[string]string) (string, *bytes.Buffer) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), body
}

func TestClassifyUpload(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	// produce a LAS file to upload
	src := ts.submit(t, `[{"type": "readers.faux", "count": 100, "mode": "grid", "bounds": "([0,9],[0,9],[0,0])"}, {"type": "writers.las"}]`)
	require.Equal(t, model.JobSucceeded, ts.wait(t, src).State)
	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/"+src+"/result", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	las, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	contentType, body := multipartUpload(t, "tile.las", las, map[string]string{"output_filename": "ground"})
	resp = ts.do(t, http.MethodPost, "/api/v1/classify", contentType, body.String())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub handler.SubmitResponse
	decode(t, resp, &sub)
	assert.Equal(t, "/api/v1/download/"+sub.JobID+"/ground.las", sub.DownloadURL)

	job := ts.wait(t, sub.JobID)
	require.Equal(t, model.JobSucceeded, job.State, job.Error)
	assert.Equal(t, []string{"readers.las", "filters.smrf", "writers.las"}, job.Definition.StageTypes())

	uploads, err := os.ReadDir(ts.dataDir)
	require.NoError(t, err)
	assert.Empty(t, uploads, "the upload is removed once the job ends")

	resp = ts.do(t, http.MethodGet, sub.DownloadURL, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.las", resp.Header.Get("Content-Type"))
	_, err = os.Stat(filepath.Join(ts.outputDir, sub.JobID, "ground.las"))
	assert.NoError(t, err)

	contentType, body = multipartUpload(t, "tile.las", las, map[string]string{"ground": "false"})
	resp = ts.do(t, http.MethodPost, "/api/v1/classify", contentType, body.String())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decode(t, resp, &sub)
	job = ts.wait(t, sub.JobID)
	assert.Equal(t, []string{"readers.las", "writers.las"}, job.Definition.StageTypes())
	assert.True(t, strings.HasSuffix(sub.DownloadURL, "/classified.las"))
}

func TestClassifyRejectsBadUploads(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	contentType, body := multipartUpload(t, "tile.laz", []byte("LASF"), nil)
	resp := ts.do(t, http.MethodPost, "/api/v1/classify", contentType, body.String())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	contentType, body = multipartUpload(t, "tile.las", []byte("LASF"), map[string]string{"ground": "maybe"})
	resp = ts.do(t, http.MethodPost, "/api/v1/classify", contentType, body.String())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a corrupt file is accepted and fails in readers.las; its upload is still removed
	contentType, body = multipartUpload(t, "tile.las", []byte("not a las file"), nil)
	resp = ts.do(t, http.MethodPost, "/api/v1/classify", contentType, body.String())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub handler.SubmitResponse
	decode(t, resp, &sub)
	assert.Equal(t, model.JobFailed, ts.wait(t, sub.JobID).State)

	uploads, err := os.ReadDir(ts.dataDir)
	require.NoError(t, err)
	assert.Empty(t, uploads)
	_, err = os.Stat(filepath.Join(ts.outputDir, sub.JobID))
	assert.True(t, os.IsNotExist(err))
}

func TestStreamJobOverWebSocket(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	id := ts.submit(t, `[{"type": "readers.faux", "count": 3}, {"type": "filters.hold"}, {"type": "filters.stats"}]`)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/pipelines/stream?job=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(ts.release)

	var last model.Job
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var snap model.Job
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		assert.Equal(t, id, snap.ID)
		last = snap
	}
	assert.Equal(t, model.JobSucceeded, last.State)
	assert.Len(t, last.Diagnostics, 3)

	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/stream?job=unknown", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryFromLedger(t *testing.T) {
	ledger, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	ts := newTestServer(t, serverOptions{ledger: ledger})

	id := ts.submit(t, `[{"type": "readers.faux", "count": 3}, {"type": "filters.stats"}]`)
	ts.wait(t, id)

	var list handler.JobList
	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/v1/pipelines?history=true&limit=10", "", "")
		list = handler.JobList{}
		decode(t, resp, &list)
		return list.Count == 1 && list.Jobs[0].State == model.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, list.Jobs[0].ID)
	assert.Len(t, list.Jobs[0].Diagnostics, 0, "list rows carry no diagnostics")

	job, err := ledger.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, job.Diagnostics, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.wait(t, ts.submit(t, `[{"type": "readers.faux", "count": 3}]`))

	resp := ts.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pointcloud_jobs_submitted_total 1")
	assert.Contains(t, string(data), `pointcloud_jobs_finished_total{state="succeeded"} 1`)
}
