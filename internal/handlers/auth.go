package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kinship-social/apiserver/internal/auth"
	"github.com/kinship-social/apiserver/internal/services"
	"github.com/kinship-social/apiserver/internal/store"
)

const (
	msgTokenMissing    = "Authorization token is required. Please log in."
	msgTokenInvalid    = "Invalid token. Please log in again."
	msgTokenExpired    = "Session expired. Please log in again."
	msgSessionInactive = "Session is no longer active. Please login again."
)

var errMissingBearer = errors.New("missing bearer token")

// Authenticator resolves a bearer token into the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (services.Identity, error)
}

// RequireAuth rejects requests without an active bearer token and attaches
// the caller's identity to the request context.
func RequireAuth(authenticator Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, ErrorTypeTokenMissing, msgTokenMissing)
				return
			}

			identity, err := authenticator.Authenticate(r.Context(), token)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrTokenExpired):
				writeError(w, http.StatusUnauthorized, ErrorTypeTokenExpired, msgTokenExpired)
				return
			case errors.Is(err, services.ErrSessionInactive):
				writeError(w, http.StatusUnauthorized, ErrorTypeTokenExpired, msgSessionInactive)
				return
			case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, msgTokenInvalid)
				return
			default:
				logger.ErrorContext(r.Context(), "authenticate request failed", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusInternalServerError, ErrorTypeInternal, msgServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

// bearerToken accepts exactly "Bearer <token>".
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.ContainsAny(token, " \t") {
		return "", errMissingBearer
	}
	return token, nil
}
