package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/liveframe/liveframe/internal/connection"
)

// apiStats aggregates the runtime counters into one document.
func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	rooms := s.deps.Rooms.Rooms()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.deps.Conns.Count(),
		"components":  s.deps.Registry.Stats(),
		"rooms":       len(rooms),
		"uploads":     s.deps.Uploads.Active(),
		"signingKey":  s.deps.Signer.CurrentKeyID(),
		"nonces":      s.deps.Signer.NonceCount(),
	})
}

type connectionView struct {
	ID          string   `json:"id"`
	ConnectedAt string   `json:"connectedAt"`
	Status      string   `json:"status"`
	UserID      string   `json:"userId,omitempty"`
	Components  []string `json:"components"`
	LatencyMS   int64    `json:"latencyMs"`
	QueueLength int      `json:"queueLength"`
	Sent        int64    `json:"messagesSent"`
	Received    int64    `json:"messagesReceived"`
	Errors      int64    `json:"errors"`
}

func connView(c *connection.Conn) connectionView {
	snap := c.Snapshot()
	return connectionView{
		ID:          c.ID,
		ConnectedAt: c.ConnectedAt.UTC().Format(time.RFC3339),
		Status:      string(c.Status()),
		UserID:      c.UserID(),
		Components:  c.Components(),
		LatencyMS:   snap.Latency.Milliseconds(),
		QueueLength: snap.QueueLength,
		Sent:        snap.MessagesSent,
		Received:    snap.MessagesReceived,
		Errors:      snap.Errors,
	}
}

func (s *Server) apiConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.deps.Conns.All()
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, connView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiConnection(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Conns.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such connection")
		return
	}
	writeJSON(w, http.StatusOK, connView(c))
}

func (s *Server) apiPools(w http.ResponseWriter, r *http.Request) {
	pools := s.deps.Conns.Pools()
	out := make([]map[string]any, 0, len(pools))
	for _, p := range pools {
		members := p.Members()
		ids := make([]string, 0, len(members))
		for _, c := range members {
			ids = append(ids, c.ID)
		}
		out = append(out, map[string]any{
			"name":    p.Name,
			"size":    p.Size(),
			"members": ids,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiPoolStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	for _, p := range s.deps.Conns.Pools() {
		if p.Name != name {
			continue
		}
		var sent, recv, errs int64
		var queued int
		for _, c := range p.Members() {
			snap := c.Snapshot()
			sent += snap.MessagesSent
			recv += snap.MessagesReceived
			errs += snap.Errors
			queued += snap.QueueLength
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":             p.Name,
			"size":             p.Size(),
			"messagesSent":     sent,
			"messagesReceived": recv,
			"errors":           errs,
			"offlineQueued":    queued,
		})
		return
	}
	writeError(w, http.StatusNotFound, "no such pool")
}

func (s *Server) apiRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.deps.Rooms.Rooms()
	out := make([]map[string]any, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, map[string]any{
			"id":        rm.ID,
			"createdAt": rm.CreatedAt.UTC().Format(time.RFC3339),
			"members":   rm.MemberCount(),
			"stateKeys": len(rm.State()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// apiPerformance summarizes connection-level performance: latency
// spread, traffic totals, and offline queue depth.
func (s *Server) apiPerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.performanceSummary())
}

func (s *Server) performanceSummary() map[string]any {
	conns := s.deps.Conns.All()
	var (
		totalLatency time.Duration
		maxLatency   time.Duration
		sampled      int
		sent, recv   int64
		errs         int64
		queued       int
	)
	for _, c := range conns {
		snap := c.Snapshot()
		if snap.Latency > 0 {
			totalLatency += snap.Latency
			sampled++
			if snap.Latency > maxLatency {
				maxLatency = snap.Latency
			}
		}
		sent += snap.MessagesSent
		recv += snap.MessagesReceived
		errs += snap.Errors
		queued += snap.QueueLength
	}
	var avg time.Duration
	if sampled > 0 {
		avg = totalLatency / time.Duration(sampled)
	}
	return map[string]any{
		"connections":      len(conns),
		"avgLatencyMs":     avg.Milliseconds(),
		"maxLatencyMs":     maxLatency.Milliseconds(),
		"messagesSent":     sent,
		"messagesReceived": recv,
		"errors":           errs,
		"offlineQueued":    queued,
	}
}

func (s *Server) apiAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "audit store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.deps.Audit.ListAudit(limit)
	if err != nil {
		s.deps.Log.Error("list audit entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
