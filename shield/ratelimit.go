package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// RateLimitSchema is the rules table the limiter reads. A rule matches a
// request when its path_prefix is a prefix of the request path and its
// method equals the request method or '*'. Operators tune the seeded rows
// in place; INSERT OR IGNORE keeps their edits across restarts.
//
// The seeds guard the write surfaces of this API: account signup, manual
// scan triggers, and the deploy webhook, with a broad ceiling on the rest
// of /api.
const RateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    method         TEXT NOT NULL DEFAULT '*',
    path_prefix    TEXT NOT NULL,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (method, path_prefix)
);

INSERT OR IGNORE INTO rate_limits (method, path_prefix, max_requests, window_seconds) VALUES
    ('POST', '/api/accounts',    30,  3600),
    ('POST', '/api/pages',       30,  60),
    ('POST', '/api/hooks',       120, 60),
    ('POST', '/api/changes',     60,  60),
    ('*',    '/api',             600, 60);
`

// RateLimitConfig defines the budget attached to one rule.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// rule is one loaded row. Rules are held sorted so matching picks the most
// specific one: longest prefix first, exact method before the '*' wildcard.
type rule struct {
	method string
	prefix string
	cfg    RateLimitConfig
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP rate limiting backed by the rate_limits
// table. Requests match rules by path prefix; buckets are kept per IP and
// rule. Rules reload periodically and expired buckets are garbage
// collected.
type RateLimiter struct {
	db      *sql.DB
	rules   []rule
	buckets sync.Map
	mu      sync.RWMutex
	exclude []string // path prefixes never rate limited
}

// NewRateLimiter creates a rate limiter reading rules from db.
// Call StartReloader to enable periodic rule refresh and GC.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
	}
	rl.Reload()
	return rl
}

// StartReloader starts background goroutines for rule reloading (every 60s)
// and bucket GC (every 5min). Stops when done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(60 * time.Second)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.Reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload reads the rules table and swaps the loaded rule set.
func (rl *RateLimiter) Reload() {
	rows, err := rl.db.Query(`SELECT method, path_prefix, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	var rules []rule
	for rows.Next() {
		var ru rule
		var enabled int
		if err := rows.Scan(&ru.method, &ru.prefix, &ru.cfg.MaxRequests, &ru.cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		ru.cfg.Enabled = enabled == 1
		rules = append(rules, ru)
	}

	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].prefix) != len(rules[j].prefix) {
			return len(rules[i].prefix) > len(rules[j].prefix)
		}
		return rules[i].method != "*" && rules[j].method == "*"
	})

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()

	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if now.After(b.resetAt) {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// match returns the most specific enabled rule for a request, or nil.
func (rl *RateLimiter) match(method, path string) *rule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	for i := range rl.rules {
		ru := &rl.rules[i]
		if !strings.HasPrefix(path, ru.prefix) {
			continue
		}
		if ru.method != "*" && ru.method != method {
			continue
		}
		if !ru.cfg.Enabled {
			return nil
		}
		return ru
	}
	return nil
}

func (rl *RateLimiter) allow(ip, method, path string) bool {
	ru := rl.match(method, path)
	if ru == nil {
		return true
	}

	key := ip + ":" + ru.method + " " + ru.prefix
	now := time.Now()

	val, loaded := rl.buckets.LoadOrStore(key, &bucket{
		count:   1,
		resetAt: now.Add(time.Duration(ru.cfg.WindowSeconds) * time.Second),
	})
	b := val.(*bucket)
	if loaded {
		if now.After(b.resetAt) {
			b.count = 1
			b.resetAt = now.Add(time.Duration(ru.cfg.WindowSeconds) * time.Second)
		} else {
			b.count++
		}
	}
	return b.count <= ru.cfg.MaxRequests
}

// Middleware is the HTTP middleware that enforces rate limits with a 429
// JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		if rl.allow(ip, r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "method", r.Method, "path", r.URL.Path)

		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
