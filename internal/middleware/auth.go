package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/identity"
)

// Authenticator turns an Authorization header into a member.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (*identity.User, error)
}

// AuthMiddleware attaches the bearer token's member to the request context.
// Requests without credentials pass through anonymously; bad tokens get 401.
func AuthMiddleware(auth Authenticator, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := auth.Authenticate(r.Context(), header)
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Warn("Rejected credentials")
				msg := "Invalid or expired token"
				if errors.Is(err, identity.ErrNoUser) {
					msg = "Unsupported authorization scheme"
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="vault"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized", msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), user)))
		})
	}
}
