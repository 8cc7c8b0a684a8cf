// Package shield provides reusable HTTP middleware for the regard API:
// security headers, body limits, request trace IDs, and rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(db) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"net/http"
)

type contextKey string

// traceIDKey is the context key for the per-request trace ID.
const traceIDKey contextKey = "shield_trace_id"

// GetTraceID retrieves the request trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// DefaultStack returns the standard middleware stack for the regard API.
// Ordered: SecurityHeaders → MaxBody → TraceID → RateLimiter.
// The rate limiter reads its rules from the rate_limits table in db; call
// StartReloader on the returned limiter for periodic rule refresh.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/health")
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(256 * 1024),
		TraceID,
		rl.Middleware,
	}, rl
}
