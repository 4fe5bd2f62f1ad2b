package sosapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/dispatch"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/presence"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type PresenceService interface {
	Upsert(ctx context.Context, in models.PresenceInput) (*models.Presence, bool, error)
	List(ctx context.Context, groupID string) ([]*models.Presence, error)
}

type EventService interface {
	Trigger(ctx context.Context, caller models.Caller, groupID, eventType string, loc models.Location, notes string) (*models.EmergencyEvent, error)
	Acknowledge(ctx context.Context, caller models.Caller, eventID, responseType string) (*models.Acknowledgment, error)
	Resolve(ctx context.Context, caller models.Caller, eventID string) (*models.EmergencyEvent, error)
	ListOpen(ctx context.Context, groupID string) ([]*models.EmergencyEvent, error)
}

type Subscriber interface {
	Subscribe(groupID string) *dispatch.Subscription
}

type SOSAPI struct {
	presence PresenceService
	events   EventService
	hub      Subscriber
}

func New(presenceSvc PresenceService, eventsSvc EventService, hub Subscriber) *SOSAPI {
	return &SOSAPI{presence: presenceSvc, events: eventsSvc, hub: hub}
}

func (a *SOSAPI) Routes(r chi.Router) {
	r.Post("/v1/presence", a.handleHeartbeat)
	r.Get("/v1/groups/{groupID}/presence", a.handleListPresence)
	r.Post("/v1/events", a.handleTrigger)
	r.Post("/v1/events/{eventID}/ack", a.handleAcknowledge)
	r.Post("/v1/events/{eventID}/resolve", a.handleResolve)
	r.Get("/v1/groups/{groupID}/events/active", a.handleListOpenEvents)
	r.Get("/v1/groups/{groupID}/stream", a.handleStream)
}

type presenceJSON struct {
	MemberID string    `json:"member_id"`
	GroupID  string    `json:"group_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Battery  *int32    `json:"battery,omitempty"`
	Paused   bool      `json:"paused"`
	LastSeen time.Time `json:"last_seen"`
	Status   string    `json:"status"`
}

type eventJSON struct {
	ID         string          `json:"id"`
	MemberID   string          `json:"member_id"`
	GroupID    string          `json:"group_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Location   models.Location `json:"location"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedBy *string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type ackJSON struct {
	ID           uint64    `json:"id"`
	EventID      string    `json:"event_id"`
	MemberID     string    `json:"member_id"`
	ResponseType string    `json:"response_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type heartbeatReq struct {
	MemberID  string     `json:"member_id"`
	GroupID   string     `json:"group_id"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Battery   *int32     `json:"battery,omitempty"`
	Paused    bool       `json:"paused"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (a *SOSAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.MemberID == "" || req.GroupID == "" {
		writeError(w, http.StatusBadRequest, "member_id and group_id are required")
		return
	}

	in := models.PresenceInput{
		MemberID: req.MemberID,
		GroupID:  req.GroupID,
		Lat:      req.Lat,
		Lng:      req.Lng,
		Battery:  req.Battery,
		Paused:   req.Paused,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	p, accepted, err := a.presence.Upsert(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"presence": toPresenceJSON(p, time.Now().UTC()),
		// stale=true: heartbeat отстал от уже сохранённого и был отброшен.
		"stale": !accepted,
	})
}

func (a *SOSAPI) handleListPresence(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	ps, err := a.presence.List(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	now := time.Now().UTC()
	out := make([]presenceJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPresenceJSON(p, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": out})
}

type triggerReq struct {
	GroupID  string          `json:"group_id"`
	Type     string          `json:"type"`
	Location models.Location `json:"location"`
	Notes    string          `json:"notes,omitempty"`
	Member   struct {
		ID    string `json:"id"`
		Name  string `json:"name,omitempty"`
		Phone string `json:"phone,omitempty"`
	} `json:"member"`
}

func (a *SOSAPI) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Member.ID == "" || req.GroupID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "member.id, group_id and type are required")
		return
	}

	caller := models.Caller{MemberID: req.Member.ID, Name: req.Member.Name, Phone: req.Member.Phone}
	ev, err := a.events.Trigger(r.Context(), caller, req.GroupID, req.Type, req.Location, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Оптимистичное подтверждение: событие записано, семья оповещается,
	// исход эскалации приедет отдельной нотификацией.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":   toEventJSON(ev),
		"message": "alert sent",
	})
}

type memberReq struct {
	MemberID     string `json:"member_id"`
	ResponseType string `json:"response_type,omitempty"`
}

func (a *SOSAPI) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req memberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required")
		return
	}

	ack, err := a.events.Acknowledge(r.Context(), models.Caller{MemberID: req.MemberID}, eventID, req.ResponseType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledgment": toAckJSON(ack)})
}

func (a *SOSAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req memberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required")
		return
	}

	ev, err := a.events.Resolve(r.Context(), models.Caller{MemberID: req.MemberID}, eventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": toEventJSON(ev)})
}

func (a *SOSAPI) handleListOpenEvents(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	evs, err := a.events.ListOpen(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventJSON(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func toPresenceJSON(p *models.Presence, now time.Time) presenceJSON {
	return presenceJSON{
		MemberID: p.MemberID,
		GroupID:  p.GroupID,
		Lat:      p.Lat,
		Lng:      p.Lng,
		Battery:  p.Battery,
		Paused:   p.Paused,
		LastSeen: p.LastSeen,
		Status:   presence.Status(p, now),
	}
}

func toEventJSON(ev *models.EmergencyEvent) eventJSON {
	return eventJSON{
		ID:         ev.ID,
		MemberID:   ev.MemberID,
		GroupID:    ev.GroupID,
		Type:       ev.Type,
		Status:     ev.Status,
		Location:   ev.Location,
		CreatedAt:  ev.CreatedAt,
		ResolvedBy: ev.ResolvedBy,
		ResolvedAt: ev.ResolvedAt,
	}
}

func toAckJSON(a *models.Acknowledgment) ackJSON {
	return ackJSON{
		ID:           a.ID,
		EventID:      a.EventID,
		MemberID:     a.MemberID,
		ResponseType: a.ResponseType,
		CreatedAt:    a.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNoProviderAvailable):
		writeError(w, http.StatusServiceUnavailable, "no emergency provider available, call your local emergency number directly")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
