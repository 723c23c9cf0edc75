package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict means a versioned update lost a race with a
	// concurrent writer; the caller should re-read and re-evaluate.
	ErrVersionConflict = errors.New("version conflict")
)
