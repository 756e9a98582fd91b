package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/authz"
	"github.com/deepmem/deepmem/pkg/memory"
)

const (
	headerAPIKey    = "x-api-key"
	headerRequestID = "x-request-id"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyRule
	ctxKeyKeyID
)

// requestIDFrom returns the id stamped by the requestID middleware.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ruleFrom returns the authenticated rule; nil when auth is not required.
func ruleFrom(ctx context.Context) *authz.Rule {
	rule, _ := ctx.Value(ctxKeyRule).(*authz.Rule)
	return rule
}

// keyIDFrom returns the loggable id of the presented key, "" when none.
func keyIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyKeyID).(string)
	return id
}

// requestID echoes the caller's x-request-id or mints a UUID, stamping
// it on the context and on the response so every reply correlates even
// when the handler never reads it.
func (a *App) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// recoverPanics converts handler panics into JSON 500s; clients never
// receive a stack trace or an HTML error page.
func (a *App) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("panic in handler",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				a.writeError(w, r, http.StatusInternalServerError, kindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument logs one line per request and feeds the Prometheus
// counters. Labels use the chi route pattern ("/queue/failed/{file}"),
// not the raw path, to keep cardinality bounded.
func (a *App) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		a.metrics.observeRequest(route, ww.Status(), elapsed)
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

// requireRole authenticates the x-api-key header and enforces a minimum
// role. With no keys configured the server is open and requests pass
// through with no rule attached.
func (a *App) requireRole(min authz.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.rules.Required() {
				next.ServeHTTP(w, r)
				return
			}
			raw := r.Header.Get(headerAPIKey)
			rule, err := a.rules.Authenticate(raw)
			if err != nil {
				a.writeError(w, r, http.StatusUnauthorized, kindUnauthorized, "missing or unknown API key")
				return
			}
			if !rule.Role.Allows(min) {
				a.writeError(w, r, http.StatusForbidden, kindForbidden, "requires role "+min.String())
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyRule, rule)
			ctx = context.WithValue(ctx, ctxKeyKeyID, authz.KeyID(raw))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit enforces the fixed window for one route. Buckets are keyed
// by API key so a noisy tenant cannot exhaust another's allowance; with
// auth disabled everything shares the anonymous bucket.
func (a *App) rateLimit(route string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.RateLimit.Enabled || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			bucket := "anon"
			if raw := r.Header.Get(headerAPIKey); raw != "" {
				bucket = authz.KeyID(raw)
			}
			ok, retryAfter := a.limiter.Allow(bucket+":"+route, limit)
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				a.writeError(w, r, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded for "+route)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitBody caps the request body. Declared lengths over the cap are
// rejected before any read; chunked bodies hit MaxBytesReader and
// surface through decodeJSON as 413.
func (a *App) limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > n {
				a.writeError(w, r, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// resolveNamespace defaults the namespace and checks it against the
// rule's allowlist. A false return means a 403 was already written.
func (a *App) resolveNamespace(w http.ResponseWriter, r *http.Request, ns string) (string, bool) {
	if ns == "" {
		ns = memory.DefaultNamespace
	}
	if !authz.AllowNamespace(ruleFrom(r.Context()), ns) {
		a.writeError(w, r, http.StatusForbidden, kindForbiddenNamespace, "key may not access namespace "+ns)
		return ns, false
	}
	return ns, true
}
