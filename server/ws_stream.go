package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"trackingest/logger"
	"trackingest/model"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// JobStatusWebSocketHandler pushes a job's state every time it changes and
// closes once the job is terminal.
func (s *Server) JobStatusWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.ownedJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	// 读协程只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.jobPoll)
	defer ticker.Stop()

	var last *model.Job
	for {
		if last == nil || changed(last, job) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(job); err != nil {
				logger.Debug("job status push failed", logger.String("jobId", jobID), logger.ErrorField(err))
				return
			}
			last = job
		}
		if job.State.Terminal() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State)))
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		next, err := s.dispatcher.Status(r.Context(), jobID)
		if err != nil {
			// expired from the tracker
			logger.Warn("job status lookup failed", logger.String("jobId", jobID), logger.ErrorField(err))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "job status unavailable"))
			return
		}
		job = next
	}
}

func changed(a, b *model.Job) bool {
	return a.State != b.State || a.Stage != b.Stage || !a.UpdatedAt.Equal(b.UpdatedAt)
}
