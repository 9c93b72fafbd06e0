package middleware

import (
	"context"
	"net/http"

	"github.com/ayush/open-deep-research/internal/auth"
	"github.com/ayush/open-deep-research/internal/respond"
)

// SessionReader resolves a session id to a user id.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (string, error)
}

// RequireAuth rejects requests without a live session and otherwise puts the
// session's user id in the request context. A session store outage is a 503,
// not a logout.
func RequireAuth(sessions SessionReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil || cookie.Value == "" {
				respond.Error(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			userID, err := sessions.Get(r.Context(), cookie.Value)
			switch {
			case err != nil:
				respond.Error(w, http.StatusServiceUnavailable, "session store unavailable")
			case userID == "":
				respond.Error(w, http.StatusUnauthorized, "session expired")
			default:
				next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
			}
		})
	}
}
