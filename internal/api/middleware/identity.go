package middleware

import (
	"net/http"
	"strings"

	"github.com/phrazzld/jobfit/internal/api/shared"
	"github.com/phrazzld/jobfit/internal/platform/logger"
)

// UserIDHeader carries the caller's identity. The upstream auth gateway
// authenticates the caller and sets it; requests without it are rejected.
const UserIDHeader = "X-User-ID"

// RequireUser adds the caller's user id to the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
			return
		}

		ctx := shared.SetUserID(r.Context(), userID)
		ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("user_id", userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
