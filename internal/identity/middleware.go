package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
)

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Credential extracts a bearer token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func Credential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return r.URL.Query().Get("token")
}

func Middleware(auth Authenticator, logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r.Context(), Credential(r))
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Warn("Rejected unauthenticated request")
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := apperrors.MetadataFor(apperrors.CodeUnauthorized).PublicMessage
	if typed := apperrors.As(err); typed != nil && typed.Message() != "" {
		message = typed.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    apperrors.CodeUnauthorized,
			"message": message,
		},
	})
}
