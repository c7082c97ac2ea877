package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kinship-social/apiserver/internal/auth"
	"github.com/kinship-social/apiserver/types"
)

// UserRepository defines persistence operations for users and their ledgers.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByCredentials(ctx context.Context, username, email string) (types.User, error)
	ListExcept(ctx context.Context, id string) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id string, update types.UserUpdate) (types.User, error)
	GetLedger(ctx context.Context, id string) (types.TokenLedger, error)
	UpdateLedger(ctx context.Context, id string, mutate func(*types.TokenLedger) error) error
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// TokenIssuer mints and verifies access tokens.
type TokenIssuer interface {
	Issue(claims auth.Claims) (string, error)
	Verify(token string) (auth.Claims, error)
}

// PictureStorage stores profile pictures.
type PictureStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// EventPublisher delivers account events to a message broker.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// Option configures a UserService.
type Option func(*UserService)

// WithPictureStorage enables profile picture uploads.
func WithPictureStorage(pictures PictureStorage) Option {
	return func(s *UserService) { s.pictures = pictures }
}

// WithEventPublisher publishes account events to channel.
func WithEventPublisher(events EventPublisher, channel string) Option {
	return func(s *UserService) {
		s.events = events
		s.eventsChannel = channel
	}
}

// WithActiveWindow sets how long a signed-in token stays in the ledger.
func WithActiveWindow(window time.Duration) Option {
	return func(s *UserService) {
		if window > 0 {
			s.activeWindow = window
		}
	}
}

// WithLogger sets the logger used for non-fatal failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *UserService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// UserService encapsulates account and session use-cases.
type UserService struct {
	repo   UserRepository
	hasher PasswordHasher
	tokens TokenIssuer

	pictures      PictureStorage
	events        EventPublisher
	eventsChannel string

	activeWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewUserService constructs a UserService with the default active window.
func NewUserService(repo UserRepository, hasher PasswordHasher, tokens TokenIssuer, opts ...Option) *UserService {
	s := &UserService{
		repo:         repo,
		hasher:       hasher,
		tokens:       tokens,
		activeWindow: auth.DefaultActiveWindow,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignUpInput is the registration payload.
type SignUpInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Bio       string
	Picture   *Upload
}

// UpdateInput lists the profile fields to change. Nil fields are kept.
type UpdateInput struct {
	Password  *string
	FirstName *string
	LastName  *string
	Bio       *string
	Picture   *Upload
}

func (in UpdateInput) empty() bool {
	return in.Password == nil && in.FirstName == nil && in.LastName == nil && in.Bio == nil && in.Picture == nil
}

// SignUp creates a user with a hashed password.
func (s *UserService) SignUp(ctx context.Context, in SignUpInput) (types.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	switch {
	case in.Password == "":
		return types.User{}, fmt.Errorf("%w: password is not present in the request body", ErrInvalidInput)
	case in.Username == "":
		return types.User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	case in.Email == "":
		return types.User{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if in.Picture != nil {
		if err := s.checkPicture(*in.Picture); err != nil {
			return types.User{}, err
		}
	}

	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hashed,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Bio:          strings.TrimSpace(in.Bio),
	})
	if err != nil {
		return types.User{}, err
	}

	// The account exists from here on; a failed upload leaves it without
	// a picture rather than failing the sign-up.
	if in.Picture != nil {
		withPicture, err := s.replacePicture(ctx, user, *in.Picture, types.UserUpdate{})
		if err != nil {
			s.logger.WarnContext(ctx, "store profile picture at sign-up failed", "user_id", user.ID, "error", err)
		} else {
			user = withPicture
		}
	}

	s.publish(ctx, types.AccountEvent{Type: types.AccountSignedUp, UserID: user.ID, Username: user.Username})
	return user, nil
}

// GetDetails returns the profile of id.
func (s *UserService) GetDetails(ctx context.Context, id string) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

// ListOthers returns every user except id.
func (s *UserService) ListOthers(ctx context.Context, id string) ([]types.User, error) {
	return s.repo.ListExcept(ctx, id)
}

// UpdateDetails changes the mutable profile fields of id.
func (s *UserService) UpdateDetails(ctx context.Context, id string, in UpdateInput) (types.User, error) {
	if in.empty() {
		return types.User{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	var update types.UserUpdate
	if in.Password != nil {
		if *in.Password == "" {
			return types.User{}, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
		}
		hashed, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return types.User{}, fmt.Errorf("hash password: %w", err)
		}
		update.PasswordHash = &hashed
	}
	update.FirstName = trimmed(in.FirstName)
	update.LastName = trimmed(in.LastName)
	update.Bio = trimmed(in.Bio)

	if in.Picture == nil {
		return s.repo.Update(ctx, id, update)
	}

	if err := s.checkPicture(*in.Picture); err != nil {
		return types.User{}, err
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}
	return s.replacePicture(ctx, current, *in.Picture, update)
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	return &v
}
