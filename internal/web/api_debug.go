package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

func (s *Server) apiDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Debug.Snapshot())
}

func (s *Server) apiDebugEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.deps.Debug.Events(limit))
}

func (s *Server) apiDebugToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.deps.Debug.SetEnabled(body.Enabled)
	s.deps.Log.Info("debug channel toggled", "enabled", body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) apiDebugClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Debug.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

var debugUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// apiDebugStream pushes live debug events over a websocket until the
// client goes away.
func (s *Server) apiDebugStream(w http.ResponseWriter, r *http.Request) {
	ws, err := debugUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	id, events := s.deps.Debug.Subscribe()
	defer s.deps.Debug.Unsubscribe(id)

	// Reads are discarded; the loop exists to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
