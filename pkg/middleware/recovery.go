package middleware

import (
	"encoding/json"
	"net/http"
)

// SimpleRecovery is the outermost middleware in the status API's chain: it
// turns a panicking handler into a 500 response instead of taking down the
// whole listener, since the dashboard keeps polling regardless of whether
// one request failed.
func SimpleRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"code":    "INTERNAL_ERROR",
						"message": "An unexpected error occurred",
					},
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
