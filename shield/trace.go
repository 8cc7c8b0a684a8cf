package shield

import (
	"context"
	"net/http"

	"github.com/hazyhaar/regard/idgen"
)

// TraceID assigns each request a trace ID, stores it in the context, and
// echoes it in the X-Trace-ID response header. Incoming X-Trace-ID headers
// are honoured so upstream proxies can correlate.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" {
			id = idgen.Prefixed("trc_", idgen.Default)()
		}
		w.Header().Set("X-Trace-ID", id)
		ctx := context.WithValue(r.Context(), traceIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
