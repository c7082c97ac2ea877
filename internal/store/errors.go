package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a unique field is already taken.
var ErrAlreadyExists = errors.New("already exists")
