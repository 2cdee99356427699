package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// FileIDValidationMiddleware rejects routes whose {id} variable is not a
// UUID before any storage lookup happens. Routes without {id} pass through.
func FileIDValidationMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := mux.Vars(r)["id"]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := uuid.Parse(id); err != nil {
				logger.WithFields(logrus.Fields{
					"id":     id,
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("Rejected malformed file id")
				writeError(w, http.StatusBadRequest, "InvalidFileID", "File id is not valid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
