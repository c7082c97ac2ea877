package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kinship-social/apiserver/internal/services"
	"github.com/kinship-social/apiserver/types"
)

const (
	msgSignedUp      = "User registered successfully."
	msgSignedIn      = "User signed in successfully."
	msgUsersFetched  = "Users fetched successfully."
	msgUserFetched   = "User fetched successfully"
	msgUserUpdated   = "User update successfully"
	msgLoggedOut     = "User logged out successfully."
	msgLoggedOutAll  = "User logged out from all devices successfully."
	paramUserID      = "userId"
	errPictureAsText = "profilePicture must be uploaded as a file"
)

// UserHandler provides HTTP handlers for accounts and sessions.
type UserHandler struct {
	users  *services.UserService
	logger *slog.Logger
}

// NewUserHandler constructs a handler backed by the given service.
func NewUserHandler(users *services.UserService, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{users: users, logger: logger}
}

// UserRouter registers account routes on the given router.
func UserRouter(r chi.Router, users *services.UserService, logger *slog.Logger) {
	handler := NewUserHandler(users, logger)

	r.Post("/signup", handler.SignUp)
	r.Post("/signin", handler.SignIn)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(users, handler.logger))

		r.Get("/", handler.ListUsers)
		r.Post("/logout", handler.Logout)
		r.Post("/logout-all-devices", handler.LogoutAllDevices)
		r.Get("/{userId}/profile-picture", handler.GetProfilePicture)
		r.With(handler.requireSameUser).Get("/{userId}", handler.GetUser)
		r.With(handler.requireSameUser).Put("/{userId}", handler.UpdateUser)
	})
}

// SignUp registers a new account.
func (h *UserHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	form, err := parseRequestForm(w, r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if form.has(fieldProfilePicture) {
		writeBadRequest(w, errPictureAsText)
		return
	}

	user, err := h.users.SignUp(r.Context(), services.SignUpInput{
		Username:  form.value(fieldUsername),
		Email:     form.value(fieldEmail),
		Password:  form.value(fieldPassword),
		FirstName: form.value(fieldFirstName),
		LastName:  form.value(fieldLastName),
		Bio:       form.value(fieldBio),
		Picture:   form.picture,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusCreated, OperationCreate, msgSignedUp, user)
}

// SignIn exchanges credentials for an access token.
func (h *UserHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	form, err := parseRequestForm(w, r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	username, email, password := form.value(fieldUsername), form.value(fieldEmail), form.value(fieldPassword)
	if username == "" || email == "" || password == "" {
		writeBadRequest(w, "username, email and password are required")
		return
	}

	token, err := h.users.SignIn(r.Context(), username, email, password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, OperationLogin, msgSignedIn, map[string]string{"accessToken": token})
}

// ListUsers returns every user except the caller.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	users, err := h.users.ListOthers(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if users == nil {
		users = []types.User{}
	}

	writeSuccess(w, http.StatusOK, OperationList, msgUsersFetched, users)
}

// GetUser returns the caller's profile.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetDetails(r.Context(), chi.URLParam(r, paramUserID))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, OperationRead, msgUserFetched, user)
}

// UpdateUser changes the caller's mutable profile fields.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	form, err := parseRequestForm(w, r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if form.has(fieldUsername) || form.has(fieldEmail) {
		writeBadRequest(w, "username and email cannot be changed")
		return
	}
	if form.has(fieldProfilePicture) {
		writeBadRequest(w, errPictureAsText)
		return
	}

	user, err := h.users.UpdateDetails(r.Context(), chi.URLParam(r, paramUserID), services.UpdateInput{
		Password:  form.optional(fieldPassword),
		FirstName: form.optional(fieldFirstName),
		LastName:  form.optional(fieldLastName),
		Bio:       form.optional(fieldBio),
		Picture:   form.picture,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, OperationUpdate, msgUserUpdated, user)
}

// GetProfilePicture streams the stored profile picture of a user.
func (h *UserHandler) GetProfilePicture(w http.ResponseWriter, r *http.Request) {
	reader, contentType, err := h.users.ProfilePicture(r.Context(), chi.URLParam(r, paramUserID))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.WarnContext(r.Context(), "stream profile picture failed", "error", err)
	}
}

// Logout revokes the token used for this request.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	if err := h.users.Logout(r.Context(), identity); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, OperationLogout, msgLoggedOut, nil)
}

// LogoutAllDevices revokes every active token of the caller.
func (h *UserHandler) LogoutAllDevices(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	revoked, err := h.users.LogoutAllDevices(r.Context(), identity)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeSuccess(w, http.StatusOK, OperationLogout, msgLoggedOutAll, map[string]int{"revoked": revoked})
}

func (h *UserHandler) requireSameUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, msgTokenInvalid)
			return
		}
		if chi.URLParam(r, paramUserID) != identity.UserID {
			writeError(w, http.StatusConflict, ErrorTypeConflict, msgUserNotMatch)
			return
		}
		next.ServeHTTP(w, r)
	})
}
