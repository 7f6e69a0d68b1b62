package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/parley/internal/agent"
	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/registry"
	"github.com/mtzanidakis/parley/internal/schedule"
	"github.com/mtzanidakis/parley/internal/scheduler"
	"github.com/mtzanidakis/parley/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Negotiations
	mux.HandleFunc("POST /api/negotiations", s.createNegotiation)
	mux.HandleFunc("GET /api/negotiations", s.listNegotiations)
	mux.HandleFunc("GET /api/negotiations/{id}", s.getNegotiation)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/sessions", s.listSessions)

	// Recurring negotiations
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Follow-up drafts
	mux.HandleFunc("GET /api/drafts", s.listDrafts)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// createNegotiation runs a negotiation for the duration of the request.
// Failed negotiations are reported in the body, not as HTTP errors.
func (s *Server) createNegotiation(w http.ResponseWriter, r *http.Request) {
	var body protocol.NegotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.RoundTimeoutMs < 0 || body.MaxRounds < 0 {
		jsonError(w, "round_timeout_ms and max_rounds must not be negative", http.StatusBadRequest)
		return
	}

	res, err := s.negotiator.Negotiate(r.Context(), negotiation.Request{
		Participants: body.Participants,
		Slot:         body.Slot,
		RoundTimeout: time.Duration(body.RoundTimeoutMs) * time.Millisecond,
		MaxRounds:    body.MaxRounds,
	})
	if res == nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.store.ListNegotiations(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Negotiation{}
	}
	jsonResponse(w, list)
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GetNegotiation(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if n == nil {
		jsonError(w, "negotiation not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, n)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		jsonResponse(w, s.registry.List())
		return
	}
	agents := s.registry.WithCapability(capability)
	if agents == nil {
		agents = []registry.Agent{}
	}
	jsonResponse(w, agents)
}

// listSessions lists the negotiations requested over the bus that are still
// running on the host agent.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.activeSessions())
}

func (s *Server) activeSessions() []agent.Session {
	if s.hosted == nil {
		return []agent.Session{}
	}
	return s.hosted.Active()
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, sn := range list {
		out = append(out, scheduleToAPI(sn))
	}
	jsonResponse(w, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sn, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sn == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, scheduleToAPI(*sn))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string   `json:"name"`
		Participants    []string `json:"participants"`
		DurationMinutes int      `json:"duration_minutes"`
		Schedule        string   `json:"schedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || len(body.Participants) == 0 {
		jsonError(w, "name, participants and schedule are required", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Resolve(body.Participants); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sn, err := s.scheduler.Create(body.Name, body.Participants, body.DurationMinutes, body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	jsonResponse(w, scheduleToAPI(*sn))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name            *string  `json:"name"`
		Participants    []string `json:"participants"`
		DurationMinutes *int     `json:"duration_minutes"`
		Schedule        *string  `json:"schedule"`
		Enabled         *bool    `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Participants != nil {
		if _, err := s.registry.Resolve(body.Participants); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		existing.Participants = body.Participants
	}
	if body.DurationMinutes != nil {
		if *body.DurationMinutes <= 0 {
			jsonError(w, "duration_minutes must be positive", http.StatusBadRequest)
			return
		}
		existing.DurationMinutes = *body.DurationMinutes
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = scheduler.StatusActive
		} else if existing.Status != scheduler.StatusCompleted {
			existing.Status = scheduler.StatusPaused
		}
	}
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	// Recalculate the next meeting
	existing.NextRunAt = nil
	if existing.Status == scheduler.StatusActive {
		sched, err := schedule.Parse(existing.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		if next, ok := sched.Next(time.Now()); ok {
			existing.NextRunAt = &next
		} else {
			existing.Status = scheduler.StatusCompleted
		}
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listDrafts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	drafts, err := s.store.ListDrafts(r.URL.Query().Get("conversation"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if drafts == nil {
		drafts = []store.Draft{}
	}
	jsonResponse(w, drafts)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.NegotiationStats()
	schedules, _ := s.store.ListSchedules()

	activeSchedules := 0
	for _, sn := range schedules {
		if sn.Status == scheduler.StatusActive {
			activeSchedules++
		}
	}
	if stats == nil {
		stats = map[string]int{}
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":            "ok",
		"agents_count":      len(s.registry.List()),
		"negotiations":      stats,
		"active_schedules":  activeSchedules,
		"active_sessions":   len(s.activeSessions()),
		"websocket_clients": s.hub.Len(),
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"nats":              natsStatus,
		"timestamp":         time.Now().UTC(),
		"version":           s.version,
	})
}

func scheduleToAPI(sn store.ScheduledNegotiation) map[string]any {
	m := map[string]any{
		"id":               sn.ID,
		"name":             sn.Name,
		"participants":     sn.Participants,
		"duration_minutes": sn.DurationMinutes,
		"schedule":         sn.Schedule,
		"schedule_display": schedule.Describe(sn.Schedule),
		"enabled":          sn.Status == scheduler.StatusActive,
		"status":           sn.Status,
	}
	if sn.NextRunAt != nil {
		m["next_run_at"] = sn.NextRunAt.UTC().Format(time.RFC3339)
	}
	if sn.LastRunAt != nil {
		m["last_run_at"] = sn.LastRunAt.UTC().Format(time.RFC3339)
		m["last_status"] = sn.LastStatus
		m["last_error"] = sn.LastError
		m["last_conversation"] = sn.LastConversation
	}
	return m
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
