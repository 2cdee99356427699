package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/secure-image-vault/internal/audit"
)

// SessionCookieName holds the per-browser session id stamped onto audit entries.
const SessionCookieName = "vault_session"

// SessionMiddleware reuses or issues a session cookie and attaches the
// request's address, user agent and session id for audit entries.
func SessionMiddleware(lifetime time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sessionID string
			if c, err := r.Cookie(SessionCookieName); err == nil && audit.ValidSessionID(c.Value) {
				sessionID = c.Value
			} else {
				sessionID = audit.NewSessionID(now())
			}
			// sliding expiry
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    sessionID,
				Path:     "/",
				MaxAge:   int(lifetime.Seconds()),
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteStrictMode,
			})

			ctx := audit.WithRequestInfo(r.Context(), audit.RequestInfo{
				IPAddress: clientIP(r),
				UserAgent: r.UserAgent(),
				SessionID: sessionID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
