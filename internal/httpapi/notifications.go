package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"homedir/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxPageSize = 200

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.d.Notify == nil {
		unavailable(w, "notifications unavailable")
		return
	}
	q := r.URL.Query()
	opt := notify.ListOptions{
		UnreadOnly:       truthy(q.Get("unread")),
		Cursor:           q.Get("cursor"),
		IncludeDismissed: truthy(q.Get("include_dismissed")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		opt.Limit = min(n, maxPageSize)
	}
	page, err := h.d.Notify.List(UserID(r.Context()), opt)
	if errors.Is(err, notify.ErrBadCursor) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		internalError(w, err.Error())
		return
	}
	ok(w, page)
}

type enqueueRequest struct {
	// UserID targets another user (admin only); empty means the caller.
	UserID    string `json:"user_id" validate:"omitempty,max=128"`
	Type      string `json:"type" validate:"omitempty,oneof=UPCOMING STARTED ENDING_SOON FINISHED SOCIAL TEST"`
	TalkID    string `json:"talk_id" validate:"max=128"`
	EventID   string `json:"event_id" validate:"max=128"`
	Title     string `json:"title" validate:"required,max=200"`
	Message   string `json:"message" validate:"max=2000"`
	ExpiresAt *int64 `json:"expires_at" validate:"omitempty,gt=0"`
}

type outcomeResponse struct {
	Outcome notify.Outcome `json:"outcome"`
	ID      string         `json:"id"`
}

func (h *Handler) enqueueNotification(w http.ResponseWriter, r *http.Request) {
	if h.d.Notify == nil {
		unavailable(w, "notifications unavailable")
		return
	}
	var req enqueueRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	t := notify.TypeSocial
	if req.Type != "" {
		parsed, err := notify.ParseType(req.Type)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		t = parsed
	}
	caller := UserID(r.Context())
	user := strings.TrimSpace(req.UserID)
	if user == "" {
		user = caller
	}
	if user != caller && h.denyAdmin(w, r) {
		return
	}
	n := notify.Notification{
		ID:        uuid.NewString(),
		UserID:    user,
		TalkID:    req.TalkID,
		EventID:   req.EventID,
		Type:      t,
		Title:     req.Title,
		Message:   req.Message,
		ExpiresAt: req.ExpiresAt,
	}
	o := h.d.Notify.Enqueue(r.Context(), n)
	status := http.StatusOK
	if o.Accepted() {
		status = http.StatusCreated
	}
	writeJSON(w, status, outcomeResponse{Outcome: o, ID: n.ID})
}

type updateResponse struct {
	Updated     int `json:"updated"`
	UnreadCount int `json:"unread_count"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, h.d.Notify.MarkRead)
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, h.d.Notify.Dismiss)
}

// updateOne answers 200 with updated=0 for entries already in the target state.
func (h *Handler) updateOne(w http.ResponseWriter, r *http.Request, fn func(user, id string) bool) {
	if h.d.Notify == nil {
		unavailable(w, "notifications unavailable")
		return
	}
	user, id := UserID(r.Context()), chi.URLParam(r, "id")
	resp := updateResponse{}
	if fn(user, id) {
		resp.Updated = 1
	}
	resp.UnreadCount = h.d.Notify.UnreadCount(user)
	ok(w, resp)
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	if h.d.Notify == nil {
		unavailable(w, "notifications unavailable")
		return
	}
	user := UserID(r.Context())
	n := h.d.Notify.MarkAllRead(user)
	ok(w, updateResponse{Updated: n, UnreadCount: h.d.Notify.UnreadCount(user)})
}
