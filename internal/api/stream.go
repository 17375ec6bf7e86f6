package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleStream upgrades to a websocket, replays the job's events so far and
// then forwards live ones. The server closes the socket after the terminal
// event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.deps.Orchestrator.Job(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("job_id", id), slogError(err))
		return
	}
	defer conn.Close()

	replay, live, cancel := s.deps.Hub.Subscribe(id)
	defer cancel()

	// The reader only services control frames and notices the client leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for _, evt := range replay {
		if !s.send(conn, evt) {
			return
		}
		if evt.Type.Terminal() {
			s.closeStream(conn, true)
			return
		}
	}
	if live == nil || (len(replay) == 0 && job.Status.Terminal()) {
		s.closeStream(conn, true)
		return
	}

	// The hub closes live after the terminal event, or early when this
	// subscriber fell behind.
	finished := false
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-live:
			if !ok {
				s.closeStream(conn, finished)
				return
			}
			if !s.send(conn, evt) {
				return
			}
			finished = evt.Type.Terminal()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, evt pipeline.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(evt); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.log.Debug("websocket write failed", slog.String("job_id", evt.JobID), slogError(err))
		}
		return false
	}
	return true
}

// closeStream ends the socket. A stream cut short gets CloseTryAgainLater so
// the client reconnects and resumes from the replay.
func (s *Server) closeStream(conn *websocket.Conn, finished bool) {
	code, text := closeFrame(finished)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}

func closeFrame(finished bool) (int, string) {
	if finished {
		return websocket.CloseNormalClosure, "job finished"
	}
	return websocket.CloseTryAgainLater, "subscriber fell behind"
}
