package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ayush/open-deep-research/internal/auth"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/respond"
	"github.com/ayush/open-deep-research/internal/store"
)

// UserLookup loads an account by id.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// RequireAdmin lets through only users whose email is in emails. It runs
// after RequireAuth.
func RequireAdmin(users UserLookup, emails []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		allowed[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := users.GetUserByID(r.Context(), auth.UserIDFrom(r.Context()))
			switch {
			case errors.Is(err, store.ErrNotFound):
				respond.Error(w, http.StatusForbidden, "admin only")
				return
			case err != nil:
				respond.Error(w, http.StatusServiceUnavailable, "user store unavailable")
				return
			}

			if _, ok := allowed[strings.ToLower(user.Email)]; !ok {
				respond.Error(w, http.StatusForbidden, "admin only")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
