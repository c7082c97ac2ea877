package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/kinship-social/apiserver/internal/auth"
	"github.com/kinship-social/apiserver/internal/store"
	"github.com/kinship-social/apiserver/types"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID   string
	Username string
	Email    string

	// Token is the raw bearer token the request was authenticated with.
	Token string
}

// SignIn verifies credentials, issues an access token and records it in
// the user's ledger.
func (s *UserService) SignIn(ctx context.Context, username, email, password string) (string, error) {
	user, err := s.repo.GetByCredentials(ctx, username, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Keep the response time of unknown identities close to a
			// real password check.
			s.hasher.Verify(password, s.unknownUserHash())
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	now := s.now()
	err = s.repo.UpdateLedger(ctx, user.ID, func(ledger *types.TokenLedger) error {
		auth.Record(ledger, token, now, s.activeWindow)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record token: %w", err)
	}

	s.publish(ctx, types.AccountEvent{Type: types.AccountSignedIn, UserID: user.ID, Username: user.Username})
	return token, nil
}

// Authenticate verifies token and checks it against the user's ledger.
// It returns auth.ErrTokenInvalid, auth.ErrTokenExpired, ErrSessionInactive
// or store.ErrNotFound when the token must be rejected.
func (s *UserService) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	ledger, err := s.repo.GetLedger(ctx, claims.UserID)
	if err != nil {
		return Identity{}, err
	}
	if !auth.IsActive(ledger, token, s.now(), s.activeWindow) {
		return Identity{}, ErrSessionInactive
	}

	return Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Token:    token,
	}, nil
}

// Logout revokes the token the caller authenticated with.
func (s *UserService) Logout(ctx context.Context, identity Identity) error {
	err := s.repo.UpdateLedger(ctx, identity.UserID, func(ledger *types.TokenLedger) error {
		auth.InvalidateOne(ledger, identity.Token)
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, types.AccountEvent{
		Type:     types.AccountLoggedOut,
		UserID:   identity.UserID,
		Username: identity.Username,
		Revoked:  1,
	})
	return nil
}

// LogoutAllDevices revokes every valid token of the caller and returns
// how many were revoked.
func (s *UserService) LogoutAllDevices(ctx context.Context, identity Identity) (int, error) {
	var revoked int
	err := s.repo.UpdateLedger(ctx, identity.UserID, func(ledger *types.TokenLedger) error {
		revoked = auth.InvalidateAll(ledger)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.publish(ctx, types.AccountEvent{
		Type:     types.AccountLoggedOutAll,
		UserID:   identity.UserID,
		Username: identity.Username,
		Revoked:  revoked,
	})
	return revoked, nil
}

func (s *UserService) unknownUserHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("unknown-user-placeholder")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}
