package httpapi

import (
	"net/http"
	"strconv"

	"homedir/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultLatest = 20

func (h *Handler) latestGlobal(w http.ResponseWriter, r *http.Request) {
	if h.d.Global == nil {
		unavailable(w, "global feed unavailable")
		return
	}
	n := defaultLatest
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(w, "n must be a non-negative integer")
			return
		}
		n = v
	}
	ok(w, map[string]any{"items": h.d.Global.Latest(n)})
}

type announceRequest struct {
	Category  string `json:"category" validate:"omitempty,oneof=event talk break announcement"`
	Type      string `json:"type" validate:"omitempty,oneof=UPCOMING STARTED ENDING_SOON FINISHED SOCIAL TEST"`
	EventID   string `json:"event_id" validate:"max=128"`
	TalkID    string `json:"talk_id" validate:"max=128"`
	Title     string `json:"title" validate:"required,max=200"`
	Message   string `json:"message" validate:"required,max=2000"`
	ExpiresAt *int64 `json:"expires_at" validate:"omitempty,gt=0"`
}

// announce broadcasts an operator message. Without talk or event ids the
// dedupe key is built from the fresh id, so repeated announcements all land.
func (h *Handler) announce(w http.ResponseWriter, r *http.Request) {
	if h.d.Global == nil {
		unavailable(w, "global feed unavailable")
		return
	}
	var req announceRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	g := notify.GlobalNotification{
		ID:        uuid.NewString(),
		Type:      notify.TypeSocial,
		Category:  notify.CategoryAnnouncement,
		EventID:   req.EventID,
		TalkID:    req.TalkID,
		Title:     req.Title,
		Message:   req.Message,
		ExpiresAt: req.ExpiresAt,
	}
	if req.Category != "" {
		c, err := notify.ParseCategory(req.Category)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		g.Category = c
	}
	if req.Type != "" {
		t, err := notify.ParseType(req.Type)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		g.Type = t
	}
	o := h.d.Global.Broadcast(r.Context(), g)
	status := http.StatusOK
	if o.Accepted() {
		status = http.StatusCreated
	}
	writeJSON(w, status, outcomeResponse{Outcome: o, ID: g.ID})
}

func (h *Handler) removeGlobal(w http.ResponseWriter, r *http.Request) {
	if h.d.Global == nil {
		unavailable(w, "global feed unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.d.Global.RemoveByID(id) {
		notFound(w, "no global notification "+id)
		return
	}
	ok(w, map[string]any{"removed": id})
}
