package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// ManualReason is the block reason used when an operator gives none.
const ManualReason = "MANUAL"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Blacklist.Entries())
}

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.deps.Blacklist.Lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "identifier is not blocked")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type blockRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	// TTL is a Go duration string; empty means permanent.
	TTL string `json:"ttl"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = ManualReason
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	entry, changed := s.deps.Responder.Block(req.ID, req.Reason, ttl)
	if entry.Identifier == "" {
		writeError(w, http.StatusConflict, "identifier is whitelisted")
		return
	}

	s.logger.Info("Manual block via admin API",
		zap.String("user", User(r.Context())),
		zap.String("id", req.ID),
		zap.Bool("changed", changed),
	)

	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = ManualReason
	}

	if !s.deps.Responder.Unblock(id, reason) {
		writeError(w, http.StatusNotFound, "identifier is not blocked")
		return
	}

	s.logger.Info("Manual unblock via admin API",
		zap.String("user", User(r.Context())),
		zap.String("id", id),
	)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "unblocked"})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents := s.deps.Incidents.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := incidents[:0]
		for _, inc := range incidents {
			if strings.EqualFold(string(inc.Status), status) {
				filtered = append(filtered, inc)
			}
		}
		incidents = filtered
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inc, err := s.deps.Incidents.Get(id)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident":         inc,
		"recovery_pending": s.deps.Incidents.RecoveryPending(id),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var trigger emergency.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = time.Now()
	}

	inc, err := s.deps.Incidents.Initiate(trigger)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}

	s.logger.Warn("Manual emergency trigger via admin API",
		zap.String("user", User(r.Context())),
		zap.String("incident_id", inc.ID),
		zap.String("type", string(trigger.Type)),
	)
	writeJSON(w, http.StatusAccepted, inc)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Note == "" {
		req.Note = "resolved by " + User(r.Context())
	}

	inc, err := s.deps.Incidents.Resolve(mux.Vars(r)["id"], req.Note)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Note == "" {
		req.Note = "aborted by " + User(r.Context())
	}

	inc, err := s.deps.Incidents.Abort(mux.Vars(r)["id"], req.Note)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.deps.Incidents.CancelRecovery(id)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

func (s *Server) writeIncidentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, emergency.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, emergency.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrInvalidTrigger):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Incident operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	attacks := s.deps.Responder.Statistics().All()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(attacks) {
		attacks = attacks[:limit]
	}

	data := map[string]any{
		"attacks":  attacks,
		"counters": s.deps.Responder.Counters(),
	}
	if s.deps.Status != nil {
		data["status"] = s.deps.Status()
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleAdvisories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Responder.Advisories())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := events.Filter{
		Source: q.Get("source"),
		Type:   q.Get("type"),
		Limit:  queryInt(r, "limit", 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.Since = t
	}

	if s.deps.History != nil && q.Get("history") == "true" {
		found, err := s.deps.History.Query(r.Context(), filter)
		if err != nil {
			s.logger.Error("Event history query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, found)
		return
	}

	writeJSON(w, http.StatusOK, filterRecent(s.deps.Events.Recent(0), filter))
}

// filterRecent applies f to ring events, keeping the newest Limit matches in
// chronological order.
func filterRecent(recent []security.Event, f events.Filter) []security.Event {
	out := make([]security.Event, 0, len(recent))
	for _, e := range recent {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
