package relay

import (
	"log/slog"
	"net/http"
)

// NotFound returns the catch-all handler for unmatched routes: a structured
// {error, message} payload.
func NotFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "Not found",
			"message": "The requested resource was not found",
		})
	}
}

// MethodNotAllowed returns the handler for known routes hit with an
// unsupported method.
func MethodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "The requested method is not supported on this resource",
		})
	}
}

// Recoverer converts handler panics into a structured 500 payload so no fault
// can crash the serving process. If headers were already sent the write is a
// best-effort no-op.
func Recoverer(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("handler panic",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec))
					writeJSON(w, http.StatusInternalServerError, map[string]any{
						"error":   "Internal server error",
						"message": "An internal error occurred",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
