package queue

import "errors"

// Sentinel errors. Operations wrap them with detail; test with errors.Is.
var (
	// ErrValidation: the intake or request is missing or has bad fields.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound: no token with that ID or number.
	ErrNotFound = errors.New("token not found")
	// ErrInvalidState: the operation is not legal in the token's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrEmptyQueue: DispatchNext found no active token in scope. A normal
	// condition, not an anomaly.
	ErrEmptyQueue = errors.New("queue empty")
	// ErrConflict: ledger write races exhausted the retry budget.
	ErrConflict = errors.New("conflict")
	// ErrTimeout: the caller's deadline expired before the operation
	// committed. Nothing was written.
	ErrTimeout = errors.New("timeout")
)
