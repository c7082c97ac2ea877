package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kinship-social/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. It is used for
// local runs without Postgres and in tests; data is lost on exit.
type MemoryUserRepository struct {
	mu    sync.Mutex
	users map[string]types.User
	now   func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users: make(map[string]types.User),
		now:   time.Now,
	}
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) GetByCredentials(ctx context.Context, username, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, user := range r.users {
		if user.Username == username && user.Email == email {
			return cloneUser(user), nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryUserRepository) ListExcept(ctx context.Context, id string) ([]types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]types.User, 0, len(r.users))
	for _, user := range r.users {
		if user.ID != id {
			users = append(users, cloneUser(user))
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.users {
		if existing.Username == user.Username {
			return types.User{}, fmt.Errorf("%w: users_username_key", ErrAlreadyExists)
		}
		if existing.Email == user.Email {
			return types.User{}, fmt.Errorf("%w: users_email_key", ErrAlreadyExists)
		}
	}

	now := r.now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Ledger = types.TokenLedger{}
	r.users[user.ID] = user
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, id string, update types.UserUpdate) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	if update.PasswordHash != nil {
		user.PasswordHash = *update.PasswordHash
	}
	if update.FirstName != nil {
		user.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		user.LastName = *update.LastName
	}
	if update.Bio != nil {
		user.Bio = *update.Bio
	}
	if update.ProfilePicture != nil {
		user.ProfilePicture = *update.ProfilePicture
	}
	if !update.Empty() {
		user.UpdatedAt = r.now()
	}
	r.users[id] = user
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) GetLedger(ctx context.Context, id string) (types.TokenLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return types.TokenLedger{}, ErrNotFound
	}
	return cloneLedger(user.Ledger), nil
}

func (r *MemoryUserRepository) UpdateLedger(ctx context.Context, id string, mutate func(*types.TokenLedger) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	ledger := cloneLedger(user.Ledger)
	if err := mutate(&ledger); err != nil {
		return err
	}
	user.Ledger = ledger
	user.UpdatedAt = r.now()
	r.users[id] = user
	return nil
}

func cloneUser(user types.User) types.User {
	user.Ledger = cloneLedger(user.Ledger)
	return user
}

func cloneLedger(ledger types.TokenLedger) types.TokenLedger {
	return types.TokenLedger{
		Valid:   slices.Clone(ledger.Valid),
		Invalid: slices.Clone(ledger.Invalid),
	}
}
