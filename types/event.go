package types

import "time"

// AccountEventType names a change in a user's session state.
type AccountEventType string

const (
	AccountSignedUp     AccountEventType = "user.signed_up"
	AccountSignedIn     AccountEventType = "user.signed_in"
	AccountLoggedOut    AccountEventType = "user.logged_out"
	AccountLoggedOutAll AccountEventType = "user.logged_out_all"
)

// AccountEvent is published to the message queue after account and
// session changes. It never carries tokens or password material.
type AccountEvent struct {
	Type       AccountEventType `json:"type"`
	UserID     string           `json:"user_id"`
	Username   string           `json:"username"`
	OccurredAt time.Time        `json:"occurred_at"`

	// Revoked is the number of tokens invalidated by a logout.
	Revoked int `json:"revoked,omitempty"`
}
