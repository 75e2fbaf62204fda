package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	logx "homedir/pkg/logx"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HeaderUserID carries the caller identity set by the fronting proxy.
const HeaderUserID = "X-User-ID"

type ctxKey struct{ name string }

var userKey = &ctxKey{"user"}

// UserID returns the identity attached by requireUser.
func UserID(ctx context.Context) string {
	s, _ := ctx.Value(userKey).(string)
	return s
}

// requireUser rejects requests without an X-User-ID before any handler runs.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if user == "" {
			unauthorized(w, "missing "+HeaderUserID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// adminGate decides whether a request carries admin rights. It accepts
// "Authorization: Bearer <token>" or "?token=<token>". With no token
// configured only a loopback bind grants them.
type adminGate struct {
	token    string
	loopback bool
}

func newAdminGate(token string, loopback bool) adminGate {
	return adminGate{token: strings.TrimSpace(token), loopback: loopback}
}

// deny writes the refusal and reports true when r is not an admin request.
func (g adminGate) deny(w http.ResponseWriter, r *http.Request) bool {
	if g.token == "" {
		if g.loopback {
			return false
		}
		forbidden(w, "admin routes disabled: no admin token configured")
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
			got = strings.TrimSpace(strings.TrimPrefix(ah, p))
		}
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(g.token)) != 1 {
		unauthorized(w, "admin token required")
		return true
	}
	return false
}

func requireAdmin(token string, loopback bool) func(http.Handler) http.Handler {
	g := newAdminGate(token, loopback)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.deny(w, r) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request. The chi wrapper keeps Hijack
// available for websocket upgrades.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int("size", ww.BytesWritten()),
				logx.Duration("dur", time.Since(start)),
				logx.String("ip", r.RemoteAddr),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if u := strings.TrimSpace(r.Header.Get(HeaderUserID)); u != "" {
				fields = append(fields, logx.String("user", u))
			}
			if status >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
