/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler: internal service-token
 * authentication, per-account command rate limiting, and request metrics.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 service tokens.
 * - github.com/go-chi/chi/v5: Route patterns and response wrapping.
 */

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "ledgerCaller"

// InternalAuthMiddleware validates HS256 service tokens signed with secret. When
// issuer is set the token's iss claim must match it.
func InternalAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				writeError(w, http.StatusUnauthorized, "Token subject required")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller retrieves the authenticated caller (the token subject) from the context.
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok && caller != ""
}

// RateLimitMiddleware spends one unit of the budget of the account named by the
// {id} route parameter. A nil limiter disables it.
func RateLimitMiddleware(limiter *app.CommandLimiter, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), id)
			if err != nil {
				// Redis trouble must not block money movement.
				log.Warn("rate limiter unavailable", "component", "api", "aggregate_id", id, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "Too many commands for this account")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records status and latency per route pattern and logs each request.
func MetricsMiddleware(m *metrics.Collector, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(started)
			m.ObserveHTTP(r.Method, route, status, elapsed)
			log.Debug("request served", "component", "api", "method", r.Method, "route", route,
				"status", status, "duration_ms", elapsed.Milliseconds(), "request_id", middleware.GetReqID(r.Context()))
		})
	}
}
