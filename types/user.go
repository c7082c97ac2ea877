package types

import "time"

// User represents an account in the system.
// It contains identity, profile, and the token ledger that backs sessions.
type User struct {
	// ID is the unique identifier of the user (a UUID string).
	ID string `json:"id" db:"id"`

	// Username is the unique login name chosen by the user.
	// It cannot be changed after sign-up.
	Username string `json:"username" db:"username"`

	// Email is the user's email address. Unique and immutable.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	FirstName string `json:"firstName,omitempty" db:"first_name"`
	LastName  string `json:"lastName,omitempty" db:"last_name"`
	Bio       string `json:"bio,omitempty" db:"bio"`

	// ProfilePicture is the object storage key of the uploaded picture,
	// empty when the user never uploaded one.
	ProfilePicture string `json:"profilePicture,omitempty" db:"profile_picture"`

	// Ledger holds the valid and invalidated tokens of the user.
	// This field is never exposed in API responses.
	Ledger TokenLedger `json:"-" db:"-"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TokenLedger records which access tokens are honored for a user.
type TokenLedger struct {
	// Valid are the tokens issued at sign-in that are still within
	// the activity window.
	Valid []TokenEntry `json:"valid_tokens" db:"valid_tokens"`

	// Invalid are tokens revoked by logout. A token listed here is
	// rejected regardless of its signature.
	Invalid []string `json:"invalid_tokens" db:"invalid_tokens"`
}

// TokenEntry is a token together with the time it was recorded.
type TokenEntry struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// UserUpdate carries the mutable profile fields of a user.
// Nil fields are left untouched.
type UserUpdate struct {
	PasswordHash   *string
	FirstName      *string
	LastName       *string
	Bio            *string
	ProfilePicture *string
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.PasswordHash == nil &&
		u.FirstName == nil &&
		u.LastName == nil &&
		u.Bio == nil &&
		u.ProfilePicture == nil
}
