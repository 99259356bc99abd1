package handler

import (
	"net/http"

	"go-pointcloud-pipeline/internal/jobs"
	"go-pointcloud-pipeline/internal/model"
)

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string             `json:"status"`
	Jobs   model.JobCounts    `json:"jobs"`
	System jobs.SystemMetrics `json:"system"`
	Stages int                `json:"stages"`
}

// Root reports that the service is up
// @Summary Service banner
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "PDAL pipeline API is running."})
}

// Health reports job counts and resource usage
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /healthz [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Jobs:   h.jobs.Counts(),
		System: h.jobs.SystemMetrics(),
		Stages: h.registry.Len(),
	})
}
