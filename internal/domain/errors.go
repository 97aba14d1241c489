package domain

import "errors"

// Store outcomes shared by every backend.
var (
	// ErrDuplicateKey is returned when a conditional create finds the key taken.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrAlreadyConsolidated means the batch marker for a snapshot already exists.
	ErrAlreadyConsolidated = errors.New("batch already consolidated")
	// ErrLockHeld means another live invocation owns the user's consolidation lock.
	ErrLockHeld = errors.New("consolidation lock held")
)
