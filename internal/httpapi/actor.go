package httpapi

import (
	"context"
	"net/http"
	"strings"
)

const (
	actorHeader     = "X-Actor-ID"
	requestIDHeader = "X-Request-ID"
)

type actorContextKey struct{}

// ActorMiddleware moves the caller identity from the X-Actor-ID header into
// the request context. Handlers that change state refuse requests without it.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := strings.TrimSpace(r.Header.Get(actorHeader))
		if actorID == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || actorID == "" {
		return "", false
	}
	return actorID, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "X-Actor-ID header is required")
		return "", false
	}
	return actorID, true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}
