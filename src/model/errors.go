package model

import "errors"

var (
	// ErrNotFound is returned by store reads for a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a versioned write lost the race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCorruptRecord marks persisted data that cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)
