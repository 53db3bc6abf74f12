package gateway

import (
	"context"
	"net/http"

	"github.com/cayde/coworker-server/internal/apperror"
	"github.com/cayde/coworker-server/internal/httpkit"
)

type contextKey string

const contextKeySessionID contextKey = "session_id"

// authMiddleware validates X-Coworker-Session/X-Coworker-Token against the
// Sessions table and injects the session id into the request context, the
// way the stack's JWT auth middleware injects a user id — simplified here
// to an opaque header lookup since sessions carry no claims of their own.
func (gateway *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(HeaderSession)
		token := r.Header.Get(HeaderToken)

		if !gateway.store.Authenticate(r.Context(), sessionID, token) {
			httpkit.HandleError(w, apperror.Unauthorized("missing or invalid session credentials"))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeySessionID, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionIDFromContext(r *http.Request) string {
	sessionID, _ := r.Context().Value(contextKeySessionID).(string)
	return sessionID
}
