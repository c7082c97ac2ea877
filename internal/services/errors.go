package services

import "errors"

var (
	// ErrInvalidCredentials is returned by SignIn for an unknown identity
	// or a wrong password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionInactive is returned for a well-formed token that the
	// ledger no longer honors.
	ErrSessionInactive = errors.New("session is no longer active")

	// ErrUploadsDisabled is returned when no object storage is configured.
	ErrUploadsDisabled = errors.New("profile picture uploads are disabled")
)
