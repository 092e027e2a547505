package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"

	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

type contextKey int

const userContextKey contextKey = iota

// userHeader is set by the trusted frontend proxy after authenticating
// the client.
const userHeader = "X-Acct-User"

// authMiddleware resolves the caller from the trusted user header. The
// lookup goes through the level cache so a burst of report requests does
// not hammer the users table; mutating handlers re-check authoritatively.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userHeader)
		if user == "" {
			s.logger.Warn("Header X-Acct-User not found", "path", r.URL.Path)
			errorResponse[any](w, &apiError{typ: errorUnauthorized, err: errors.New("no user identified")}, s.logger, nil)

			return
		}

		if _, err := s.auth.CachedUserLevel(r.Context(), user); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				errorResponse[any](w, &apiError{typ: errorUnauthorized, err: errors.New("unknown user")}, s.logger, nil)

				return
			}

			s.logger.Error("Failed to resolve user", "user", user, "err", err)
			errorResponse[any](w, &apiError{typ: errorInternal, err: errors.New("failed to resolve user")}, s.logger, nil)

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// rateLimiter throttles each client IP. A zero budget disables it.
func (s *Server) rateLimiter(maxRequests int) mux.MiddlewareFunc {
	if maxRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return mux.MiddlewareFunc(httprate.LimitByIP(maxRequests, time.Minute))
}

// requestUser returns the authenticated user stashed by authMiddleware.
func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userContextKey).(string)

	return user
}
