package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kinship-social/apiserver/internal/services"
	"github.com/kinship-social/apiserver/internal/store"
)

// Operation tags carried in the status field of a success envelope.
const (
	OperationCreate = "CREATE"
	OperationRead   = "READ"
	OperationUpdate = "UPDATE"
	OperationList   = "LIST"
	OperationLogin  = "LOGIN"
	OperationLogout = "LOGOUT"
)

// Error types carried in the error_type field of an error envelope.
const (
	ErrorTypeBadRequest         = "BAD_REQUEST"
	ErrorTypeUnauthorized       = "UNAUTHORIZED"
	ErrorTypeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrorTypeTokenMissing       = "TOKEN_MISSING"
	ErrorTypeTokenExpired       = "TOKEN_EXPIRED"
	ErrorTypeNotFound           = "NOT_FOUND"
	ErrorTypeAlreadyExists      = "ALREADY_EXISTS"
	ErrorTypeConflict           = "LOGGED_IN_USER_NOT_MATCH"
	ErrorTypeInternal           = "INTERNAL_ERROR"
)

const (
	msgBadRequest         = "Invalid request parameters."
	msgInvalidCredentials = "Invalid email or password."
	msgUserNotFound       = "User not found."
	msgUserExists         = "User with this username or email already exists."
	msgUserNotMatch       = "Unmatched url user id and logged in user id."
	msgServerError        = "Something went wrong. Please try again later."
)

// SuccessResponse is the envelope of every successful response.
type SuccessResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is the envelope of every failed response.
type ErrorResponse struct {
	Message         string `json:"message"`
	Status          int    `json:"status"`
	ErrorType       string `json:"error_type"`
	ValidationError string `json:"validation_error,omitempty"`
}

type contextKey string

const contextIdentityKey contextKey = "identity"

func withIdentity(ctx context.Context, identity services.Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey, identity)
}

// IdentityFromContext returns the caller attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (services.Identity, bool) {
	identity, ok := ctx.Value(contextIdentityKey).(services.Identity)
	return identity, ok && identity.UserID != ""
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeSuccess(w http.ResponseWriter, status int, operation, message string, data any) {
	writeJSON(w, status, SuccessResponse{
		Message: message,
		Status:  operation,
		Code:    status,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, ErrorResponse{
		Message:   message,
		Status:    status,
		ErrorType: errorType,
	})
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Message:         msgBadRequest,
		Status:          http.StatusBadRequest,
		ErrorType:       ErrorTypeBadRequest,
		ValidationError: detail,
	})
}

// writeServiceError maps a service or store error onto the error envelope.
// Unrecognized errors are logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		writeBadRequest(w, validationDetail(err))
	case errors.Is(err, services.ErrUploadsDisabled):
		writeBadRequest(w, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, ErrorTypeInvalidCredentials, msgInvalidCredentials)
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, ErrorTypeAlreadyExists, msgUserExists)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, msgUserNotFound)
	default:
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, ErrorTypeInternal, msgServerError)
	}
}

func validationDetail(err error) string {
	return strings.TrimPrefix(err.Error(), services.ErrInvalidInput.Error()+": ")
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
