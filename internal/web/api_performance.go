package web

import (
	"fmt"
	"net/http"

	"github.com/liveframe/liveframe/internal/component"
	"github.com/liveframe/liveframe/internal/connection"
)

// alert flags a component or connection that needs operator attention.
// The id is stable for as long as the underlying condition holds, so an
// operator can resolve it and not see it again until it recurs.
type alert struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "component" or "connection"
	Subject  string `json:"subject"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// apiPerformanceDashboard combines the summary, per-component metrics,
// and active alerts into one document.
func (s *Server) apiPerformanceDashboard(w http.ResponseWriter, r *http.Request) {
	instances := s.deps.Registry.All()
	components := make([]component.Info, 0, len(instances))
	for _, inst := range instances {
		components = append(components, inst.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":    s.performanceSummary(),
		"components": components,
		"alerts":     s.activeAlerts(),
	})
}

func (s *Server) apiPerformanceComponent(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such component")
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) apiAlertResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.alertMu.Lock()
	s.resolved[id] = s.deps.Clock.Now()
	s.alertMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

// activeAlerts derives alerts from current component and connection
// health, filtering out anything an operator already resolved.
func (s *Server) activeAlerts() []alert {
	var current []alert
	for _, inst := range s.deps.Registry.All() {
		info := inst.Snapshot()
		if info.Health == component.HealthHealthy {
			continue
		}
		severity := "warning"
		if info.Health == component.HealthUnhealthy {
			severity = "critical"
		}
		current = append(current, alert{
			ID:       "component:" + info.ID,
			Kind:     "component",
			Subject:  info.ID,
			Severity: severity,
			Message:  fmt.Sprintf("component %s (%s) is %s", info.ID, info.Name, info.Health),
		})
	}
	for _, c := range s.deps.Conns.All() {
		status := c.Status()
		if status != connection.StatusDegraded && status != connection.StatusUnhealthy {
			continue
		}
		severity := "warning"
		if status == connection.StatusUnhealthy {
			severity = "critical"
		}
		current = append(current, alert{
			ID:       "connection:" + c.ID,
			Kind:     "connection",
			Subject:  c.ID,
			Severity: severity,
			Message:  fmt.Sprintf("connection %s is %s", c.ID, status),
		})
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	// Forget resolutions for conditions that cleared, so a recurrence
	// raises a fresh alert.
	live := make(map[string]bool, len(current))
	for _, a := range current {
		live[a.ID] = true
	}
	for id := range s.resolved {
		if !live[id] {
			delete(s.resolved, id)
		}
	}
	active := current[:0]
	for _, a := range current {
		if _, ok := s.resolved[a.ID]; !ok {
			active = append(active, a)
		}
	}
	if active == nil {
		return []alert{}
	}
	return active
}
