package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"homedir/internal/delivery"
	"homedir/internal/notify"
	logx "homedir/pkg/logx"

	"github.com/gorilla/websocket"
)

// since parses the ?since= cursor (epoch millis). Empty means no backlog.
func since(r *http.Request) (int64, bool, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, false, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, false, errors.New("since must be epoch milliseconds")
	}
	return ms, true, nil
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, log logx.Logger) (*delivery.WSSession, *websocket.Conn, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return nil, nil, false
	}
	return delivery.NewWSSession(conn, h.opt.WS, log), conn, true
}

// refuse closes a session that lost the registration race after upgrading.
func refuse(s *delivery.WSSession, conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	_ = s.Close()
}

func (h *Handler) wsNotifications(w http.ResponseWriter, r *http.Request) {
	if h.d.Users == nil || h.d.Notify == nil {
		unavailable(w, "live notifications unavailable")
		return
	}
	user := UserID(r.Context())
	cursor, backlog, err := since(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.d.Users.Admit(user); err != nil {
		if errors.Is(err, delivery.ErrTooManyConnections) {
			tooManyRequests(w, err.Error())
			return
		}
		unauthorized(w, err.Error())
		return
	}

	sess, conn, up := h.upgrade(w, r, h.log.With(logx.String("user", user)))
	if !up {
		return
	}
	if err := h.d.Users.Register(user, sess); err != nil {
		refuse(sess, conn, err.Error())
		return
	}
	defer h.d.Users.Unregister(user, sess)

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()
	go sess.Run(ctx)

	if backlog {
		if n, err := h.replayUser(ctx, sess, user, cursor); err != nil {
			h.log.Debug("user backlog replay stopped", logx.String("user", user), logx.Int("sent", n), logx.Err(err))
		}
	}
	<-sess.Done()
}

// replayUser sends the visible entries created after cursor, oldest first.
func (h *Handler) replayUser(ctx context.Context, sess delivery.Session, user string, cursor int64) (int, error) {
	sent := 0
	opt := notify.ListOptions{Limit: maxPageSize}
	for {
		page, err := h.d.Notify.List(user, opt)
		if err != nil {
			return sent, err
		}
		for _, n := range page.Items {
			if n.CreatedAt <= cursor {
				continue
			}
			payload, err := notify.EncodeNotification(n)
			if err != nil {
				return sent, err
			}
			if err := sess.Send(ctx, payload); err != nil {
				return sent, err
			}
			sent++
		}
		if page.NextCursor == "" {
			return sent, nil
		}
		opt.Cursor = page.NextCursor
	}
}

func (h *Handler) wsGlobal(w http.ResponseWriter, r *http.Request) {
	if h.d.Globals == nil || h.d.Global == nil {
		unavailable(w, "live global feed unavailable")
		return
	}
	cursor, backlog, err := since(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	sess, conn, up := h.upgrade(w, r, h.log)
	if !up {
		return
	}
	if err := h.d.Globals.Register(sess); err != nil {
		refuse(sess, conn, err.Error())
		return
	}
	defer h.d.Globals.Unregister(sess)

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()
	go sess.Run(ctx)

	if backlog {
		n, err := h.d.Global.Replay(cursor, func(g notify.GlobalNotification) error {
			payload, err := notify.EncodeGlobal(g)
			if err != nil {
				return err
			}
			return sess.Send(ctx, payload)
		})
		if err != nil {
			h.log.Debug("global backlog replay stopped", logx.Int("sent", n), logx.Err(err))
		}
	}
	<-sess.Done()
}
