package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go-pointcloud-pipeline/internal/logger"
	"go-pointcloud-pipeline/internal/model"
)

// WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// status snapshots carry no credentials
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamJobs pushes job snapshots over a websocket
// @Summary Stream job updates
// @Description WebSocket of job snapshots on every state change and stage diagnostic. With job set, the current snapshot is sent first and the socket closes once the job is terminal.
// @Tags pipelines
// @Param job query string false "Only stream this job"
// @Success 101 "Switching protocols"
// @Failure 404 {object} ErrorResponse "Unknown job"
// @Router /pipelines/stream [get]
func (h *Handler) StreamJobs(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID != "" {
		if _, err := h.jobs.Status(jobID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		h.log.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}
	defer conn.Close()

	// subscribe before the first snapshot so no transition falls in between
	updates := h.jobs.Subscribe()
	defer h.jobs.Unsubscribe(updates)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(job model.Job) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(job); err != nil {
			h.log.Debugw("WebSocket write failed", logger.FieldJobID, job.ID, logger.FieldError, err)
			return false
		}
		return true
	}
	finish := func() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
	}

	if jobID != "" {
		snap, err := h.jobs.Status(jobID)
		if err != nil || !send(snap) {
			return
		}
		if snap.State.IsTerminal() {
			finish()
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if jobID != "" && snap.ID != jobID {
				continue
			}
			if !send(snap) {
				return
			}
			if jobID != "" && snap.State.IsTerminal() {
				finish()
				return
			}
		}
	}
}
