package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func respond(body string) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func serve(r *Router, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMatchWildcardRoute(t *testing.T) {
	tests := []struct {
		path, pattern string
		want          bool
	}{
		{"/api/v1/pipelines/abc", "/api/v1/pipelines/*", true},
		{"/api/v1/pipelines/abc/result", "/api/v1/pipelines/*/result", true},
		{"/api/v1/pipelines/abc/cancel", "/api/v1/pipelines/*/result", false},
		{"/api/v1/pipelines", "/api/v1/pipelines/*", false},
		{"/swagger/index.html", "/swagger/*", true},
		{"/swagger/a/b.js", "/swagger/*", true},
		{"/api/v1/download/job/file.las", "/api/v1/download/*/*", true},
		{"/api/v1/download/job", "/api/v1/download/*/*", false},
	}
	for _, tt := range tests {
		t.Run(tt.path+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardRoute(tt.path, tt.pattern))
		})
	}
}

func TestExactRoutesWinOverWildcards(t *testing.T) {
	r := New(nil)
	r.GET("/api/v1/pipelines/stream", respond("stream"))
	r.GET("/api/v1/pipelines/*/result", respond("result"))
	r.GET("/api/v1/pipelines/*", respond("status"))

	assert.Equal(t, "stream", serve(r, http.MethodGet, "/api/v1/pipelines/stream").Body.String())
	assert.Equal(t, "result", serve(r, http.MethodGet, "/api/v1/pipelines/j1/result").Body.String())
	assert.Equal(t, "status", serve(r, http.MethodGet, "/api/v1/pipelines/j1").Body.String())
}

func TestWildcardsMatchInRegistrationOrder(t *testing.T) {
	r := New(nil)
	r.GET("/api/v1/pipelines/*", respond("generic"))
	r.GET("/api/v1/pipelines/*/result", respond("result"))

	// the generic trailing wildcard was registered first and swallows the path
	assert.Equal(t, "generic", serve(r, http.MethodGet, "/api/v1/pipelines/j1/result").Body.String())
}

func TestMethodNotAllowedAndNotFound(t *testing.T) {
	r := New(nil)
	r.POST("/api/v1/pipelines", respond("submit"))
	r.POST("/api/v1/pipelines/*/cancel", respond("cancel"))

	assert.Equal(t, http.StatusMethodNotAllowed, serve(r, http.MethodGet, "/api/v1/pipelines").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(r, http.MethodGet, "/api/v1/pipelines/j1/cancel").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/nope").Code)
	assert.Equal(t, "cancel", serve(r, http.MethodPost, "/api/v1/pipelines/j1/cancel").Body.String())
}

func TestRequestsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := New(zap.New(core).Sugar())
	r.GET("/", respond("ok"))
	r.GET("/fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	serve(r, http.MethodGet, "/")
	serve(r, http.MethodGet, "/fail")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(200), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "/fail", entries[1].ContextMap()["path"])
}

func TestRegistrationBookkeeping(t *testing.T) {
	r := New(nil)
	r.GET("/a/*", respond("a"))
	r.DELETE("/a/*", respond("a"))
	r.PUT("/b", respond("b"))
	r.PATCH("/b", respond("b"))

	assert.Len(t, r.Routes(), 4)
	assert.Len(t, r.Paths(), 2)
	assert.Equal(t, []string{"/a/*"}, r.wildcards)
}

func TestShutdownBeforeStart(t *testing.T) {
	assert.NoError(t, New(nil).Shutdown(context.Background()))
}
