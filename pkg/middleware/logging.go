package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey namespaces values this package stores on a request context.
type ContextKey string

// ContextRequestID is the context key RequestID stores the generated or
// forwarded request ID under.
const ContextRequestID ContextKey = "requestID"

// RequestID stamps every request with an X-Request-ID header, generating
// one if the caller (or an upstream proxy) didn't supply it, so a status
// API request can be traced through the scheduler's logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := SetRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetRequestID stores requestID on ctx.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextRequestID, requestID)
}

// GetRequestID retrieves the request ID RequestID stored, if any.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextRequestID).(string); ok {
		return requestID
	}
	return ""
}
