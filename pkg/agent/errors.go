package agent

import "errors"

// Sentinel errors shared across the factory, fallback chain, and the step
// engine built on top of them. Classified provider failures live in
// llmerrors; these cover structural misuse.
var (
	// ErrInvalidTransition indicates an invalid step transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStateNotFound indicates a step or state name that is not defined.
	ErrStateNotFound = errors.New("state not found")

	// ErrInvalidState indicates an invalid state was provided.
	ErrInvalidState = errors.New("invalid state")

	// ErrProviderNotRegistered indicates a provider name the factory has
	// never seen.
	ErrProviderNotRegistered = errors.New("provider not registered")
)
