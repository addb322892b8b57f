package domain

import "errors"

var (
	// ErrBudgetExceeded signals the monthly budget cannot cover the request.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrBudgetUnverifiable signals the budget state could not be read (fail closed).
	ErrBudgetUnverifiable = errors.New("cannot verify budget")
	// ErrUnknownModel signals a model with no pricing entry (configuration error).
	ErrUnknownModel = errors.New("unknown model")
	// ErrSessionExpired signals the free-tier trial session has expired.
	ErrSessionExpired = errors.New("session expired")
	// ErrMalformedState signals persisted state that failed to decode.
	ErrMalformedState = errors.New("malformed persisted state")
	// ErrProviderError signals a model provider failure.
	ErrProviderError = errors.New("model provider error")
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
)
