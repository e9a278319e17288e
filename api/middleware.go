package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/cashback"
	"github.com/eliteacai/cashback-engine/logger"
)

const requestIDHeader = "X-Request-Id"

var errUnauthenticated = errors.New("missing or invalid credentials")

type contextKey string

const ctxActor contextKey = "actor"

func withActor(ctx context.Context, a cashback.Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

// actorFrom returns the authenticated caller. Routes behind requireRole
// always have one.
func actorFrom(ctx context.Context) (cashback.Actor, bool) {
	a, ok := ctx.Value(ctxActor).(cashback.Actor)
	return a, ok
}

func requestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)
			next.ServeHTTP(w, r.WithContext(logg.WithRequestID(r.Context(), reqID)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			ctx = logg.WithFields(ctx, map[string]any{
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			logg.Info(ctx, "request.complete")
		})
	}
}

// requireRole validates the bearer token and admits only the given role.
func (h *Handler) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
				token = strings.TrimSpace(raw[7:])
			}
			if token == "" {
				h.writeError(w, r, errUnauthenticated)
				return
			}

			claims, err := auth.Parse(h.Tokens, token, h.now())
			if err != nil {
				h.writeError(w, r, errUnauthenticated)
				return
			}
			if claims.Role != role {
				h.writeError(w, r, cashback.ErrForbidden)
				return
			}

			actor := cashback.Actor{ID: claims.Subject, Role: claims.Role}
			ctx := withActor(r.Context(), actor)
			ctx = h.Logger.WithActor(ctx, actor.ID, string(actor.Role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
