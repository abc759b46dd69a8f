package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrTerminal indicates an attempted mutation of a finished job.
var ErrTerminal = errors.New("repository: job already terminal")
