package models

import "errors"

var (
	// ErrNotFound means no entitlement record exists for the account.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyZero is returned by the conditional credit decrement when the
	// balance was already exhausted. Callers must treat it as a deny.
	ErrAlreadyZero = errors.New("credits balance already at zero")

	// ErrAlreadyAtLimit is returned by the conditional usage increment when
	// the period limit was already reached.
	ErrAlreadyAtLimit = errors.New("usage count already at limit")
)
