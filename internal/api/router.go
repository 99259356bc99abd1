// Package api wires the HTTP handlers onto the router.
//
// @title Point Cloud Pipeline API
// @version 1.0
// @description Asynchronous execution of PDAL-style point-cloud pipelines.
// @BasePath /api/v1
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-pointcloud-pipeline/docs" // swagger spec registration
	"go-pointcloud-pipeline/internal/api/handler"
	"go-pointcloud-pipeline/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler, gatherer prometheus.Gatherer) {
	r.GET("/", h.Root)
	r.GET("/healthz", h.Health)
	if gatherer != nil {
		r.GET("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}
	r.GET("/swagger/*", httpSwagger.WrapHandler.ServeHTTP)

	r.GET("/api/v1/stages", h.ListStages)
	r.POST("/api/v1/classify", h.ClassifyFile)
	r.GET("/api/v1/download/*/*", h.DownloadFile)

	r.POST("/api/v1/pipelines", h.CreatePipeline)
	r.GET("/api/v1/pipelines", h.ListPipelines)
	r.POST("/api/v1/pipelines/validate", h.ValidatePipeline)
	r.GET("/api/v1/pipelines/stream", h.StreamJobs)
	// More specific routes first
	r.GET("/api/v1/pipelines/*/result", h.GetPipelineResult)
	r.DELETE("/api/v1/pipelines/*/result", h.DeletePipelineResult)
	r.POST("/api/v1/pipelines/*/cancel", h.CancelPipeline)
	// Generic pipeline route last
	r.GET("/api/v1/pipelines/*", h.GetPipeline)
}
