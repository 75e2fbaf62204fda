package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"homedir/internal/clock"
	"homedir/internal/delivery"
	"homedir/internal/notify"
	"homedir/internal/simulate"
	logx "homedir/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Deps are the live components the routes act on. Nil members make the
// matching routes answer 503.
type Deps struct {
	Notify  *notify.Service
	Global  *notify.Broadcaster
	Sim     *simulate.Engine
	Users   *delivery.UserRegistry
	Globals *delivery.GlobalRegistry
	Clock   clock.Clock

	// Runtime is merged into /api/stats (lane, supervisor, scheduler).
	Runtime func() any
}

type Options struct {
	AdminToken string
	// Loopback is set when the server binds a loopback address.
	Loopback    bool
	Pprof       bool
	CORSOrigins []string
	WS          delivery.WSConfig
	// MaxBodyBytes caps request bodies; default 64 KiB.
	MaxBodyBytes int64
}

// Handler owns the routes and the paced simulation runs they started.
type Handler struct {
	d        Deps
	opt      Options
	log      logx.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader

	runsMu sync.Mutex
	runs   map[*simulate.Run]struct{}

	// base outlives single requests; websocket sessions and paced runs use it.
	base   context.Context
	cancel context.CancelFunc
}

func NewHandler(d Deps, opt Options, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = 64 << 10
	}
	d.Clock = clock.Or(d.Clock)
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	base, cancel := context.WithCancel(context.Background())
	h := &Handler{
		d:        d,
		opt:      opt,
		log:      log.With(logx.String("comp", "httpapi")),
		validate: v,
		runs:     map[*simulate.Run]struct{}{},
		base:     base,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Close cancels paced runs still pending and ends the handler's base context.
func (h *Handler) Close() {
	h.runsMu.Lock()
	for r := range h.runs {
		r.Cancel()
	}
	h.runsMu.Unlock()
	h.cancel()
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	if len(h.opt.CORSOrigins) > 0 {
		r.Use(corsHandler(h.opt.CORSOrigins))
	}

	r.Get("/healthz", h.healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))
		r.Get("/stats", h.stats)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.listNotifications)
				r.Post("/", h.enqueueNotification)
				r.Post("/read-all", h.markAllRead)
				r.Post("/{id}/read", h.markRead)
				r.Post("/{id}/dismiss", h.dismiss)
			})
			r.Get("/global/latest", h.latestGlobal)
			r.Post("/simulate", h.simulate)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(h.opt.AdminToken, h.opt.Loopback))
			r.Post("/global", h.announce)
			r.Delete("/global/{id}", h.removeGlobal)
			r.Delete("/simulate", h.cancelSimulations)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.With(requireUser).Get("/notifications", h.wsNotifications)
		r.Get("/global", h.wsGlobal)
	})

	if h.opt.Pprof {
		r.With(requireAdmin(h.opt.AdminToken, h.opt.Loopback)).Mount("/debug", middleware.Profiler())
	}
	return r
}

// denyAdmin gates admin-only actions reached through user routes.
func (h *Handler) denyAdmin(w http.ResponseWriter, r *http.Request) bool {
	return newAdminGate(h.opt.AdminToken, h.opt.Loopback).deny(w, r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opt.CORSOrigins) == 0 {
		return true
	}
	for _, o := range h.opt.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// decode reads one JSON object into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid field %s: failed %q", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"status": "ok", "time": h.d.Clock.Now().UTC()})
}

type statsView struct {
	Notify  *notify.Counters          `json:"notify,omitempty"`
	Global  *notify.BroadcastCounters `json:"global,omitempty"`
	Users   *delivery.Stats           `json:"ws_users,omitempty"`
	Globals *delivery.Stats           `json:"ws_global,omitempty"`
	Runtime any                       `json:"runtime,omitempty"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	var v statsView
	if h.d.Notify != nil {
		c := h.d.Notify.Counters()
		v.Notify = &c
	}
	if h.d.Global != nil {
		c := h.d.Global.Counters()
		v.Global = &c
	}
	if h.d.Users != nil {
		s := h.d.Users.Stats()
		v.Users = &s
	}
	if h.d.Globals != nil {
		s := h.d.Globals.Stats()
		v.Globals = &s
	}
	if h.d.Runtime != nil {
		v.Runtime = h.d.Runtime()
	}
	ok(w, v)
}
