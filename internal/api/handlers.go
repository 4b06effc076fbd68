package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"castbot/internal/dispatch"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

const (
	defaultDeliveryPage = 50
	maxDeliveryPage     = 200
)

// Store is the slice of the persistence API the handlers need.
// storage.Store satisfies it.
type Store interface {
	CreateCampaign(ctx context.Context, c storage.Campaign) error
	GetCampaign(ctx context.Context, id string) (storage.Campaign, error)
	ListCampaigns(ctx context.Context) ([]storage.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, upd storage.CampaignUpdate) (storage.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	CreateGroup(ctx context.Context, g storage.Group) error
	ListGroups(ctx context.Context) ([]storage.Group, error)
	DeleteGroup(ctx context.Context, id string) error

	ListDeliveries(ctx context.Context, limit int) ([]storage.Delivery, error)
}

// Canceler disarms a campaign's pending deferred send. The dispatcher
// satisfies it; deactivating or deleting a campaign must cancel what it
// armed.
type Canceler interface {
	Cancel(ctx context.Context, campaignID string)
}

type handlers struct {
	store Store
	disp  Canceler
	log   logx.Logger
}

func NewHandlers(store Store, disp Canceler, log logx.Logger) *handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &handlers{store: store, disp: disp, log: log}
}

// ---- wire types ----

type campaignJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MessageText string    `json:"message_text"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	IsActive    bool      `json:"is_active"`
	GroupID     string    `json:"group_id,omitempty"`
	LastMinute  int       `json:"last_minute"`
	CreatedAt   time.Time `json:"created_at"`
}

func toCampaignJSON(c storage.Campaign) campaignJSON {
	return campaignJSON{
		ID: c.ID, Name: c.Name, MessageText: c.MessageText,
		StartTime: c.StartTime, EndTime: c.EndTime, IsActive: c.IsActive,
		GroupID: c.GroupID, LastMinute: c.LastMinute, CreatedAt: c.CreatedAt,
	}
}

type groupJSON struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

type deliveryJSON struct {
	CampaignID string     `json:"campaign_id"`
	HourBucket string     `json:"hour_bucket"`
	Status     string     `json:"status"`
	Recipients int        `json:"recipients"`
	Error      string     `json:"error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ---- groups ----

func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON{ID: g.ID, RecipientID: g.RecipientID, Name: g.Name, CreatedAt: g.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RecipientID string `json:"recipient_id"`
		Name        string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(in.RecipientID) == "" || strings.TrimSpace(in.Name) == "" {
		badRequest(w, "recipient_id and name are required")
		return
	}
	g := storage.Group{
		ID:          uuid.NewString(),
		RecipientID: strings.TrimSpace(in.RecipientID),
		Name:        strings.TrimSpace(in.Name),
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateGroup(r.Context(), g); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "group with this recipient already exists")
			return
		}
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, groupJSON{ID: g.ID, RecipientID: g.RecipientID, Name: g.Name, CreatedAt: g.CreatedAt})
}

func (h *handlers) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteGroup(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- campaigns ----

func (h *handlers) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.store.ListCampaigns(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]campaignJSON, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, toCampaignJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string `json:"name"`
		MessageText string `json:"message_text"`
		StartTime   string `json:"start_time"`
		EndTime     string `json:"end_time"`
		GroupID     string `json:"group_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.MessageText) == "" {
		badRequest(w, "name and message_text are required")
		return
	}
	if err := dispatch.ValidateWindow(in.StartTime, in.EndTime); err != nil {
		badRequest(w, err.Error())
		return
	}
	c := storage.Campaign{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		MessageText: in.MessageText,
		StartTime:   strings.TrimSpace(in.StartTime),
		EndTime:     strings.TrimSpace(in.EndTime),
		IsActive:    true,
		GroupID:     strings.TrimSpace(in.GroupID),
		LastMinute:  0,
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignJSON(c))
}

func (h *handlers) updateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		IsActive    *bool   `json:"is_active,omitempty"`
		MessageText *string `json:"message_text,omitempty"`
		StartTime   *string `json:"start_time,omitempty"`
		EndTime     *string `json:"end_time,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if in.StartTime != nil || in.EndTime != nil {
		cur, err := h.store.GetCampaign(r.Context(), id)
		if err != nil {
			h.fail(w, err)
			return
		}
		start, end := cur.StartTime, cur.EndTime
		if in.StartTime != nil {
			start = *in.StartTime
		}
		if in.EndTime != nil {
			end = *in.EndTime
		}
		if err := dispatch.ValidateWindow(start, end); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	c, err := h.store.UpdateCampaign(r.Context(), id, storage.CampaignUpdate{
		IsActive:    in.IsActive,
		MessageText: in.MessageText,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	// A deactivated campaign must not fire a send it armed while active.
	if in.IsActive != nil && !*in.IsActive && h.disp != nil {
		h.disp.Cancel(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, toCampaignJSON(c))
}

func (h *handlers) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.disp != nil {
		h.disp.Cancel(r.Context(), id)
	}
	if err := h.store.DeleteCampaign(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- deliveries ----

func (h *handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeliveryPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxDeliveryPage {
		limit = maxDeliveryPage
	}
	deliveries, err := h.store.ListDeliveries(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]deliveryJSON, 0, len(deliveries))
	for _, d := range deliveries {
		dj := deliveryJSON{
			CampaignID: d.CampaignID,
			HourBucket: d.HourBucket,
			Status:     string(d.Status),
			Recipients: d.Recipients,
			Error:      d.Error,
			CreatedAt:  d.CreatedAt,
		}
		if !d.SentAt.IsZero() {
			t := d.SentAt
			dj.SentAt = &t
		}
		out = append(out, dj)
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func (h *handlers) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("api request failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
