package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected a record as malformed.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a record with the same key already exists.
var ErrConflict = errors.New("repository: conflict")
