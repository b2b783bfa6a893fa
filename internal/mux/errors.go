package mux

import "errors"

// Error taxonomy for the execution layer. Components wrap these with %w so
// callers can classify failures with errors.Is after the envelope conversion
// at the contract boundary.
var (
	ErrNotInitialized       = errors.New("backend not initialized")
	ErrInitializationFailed = errors.New("backend initialization failed")
	ErrCapabilityMismatch   = errors.New("backend capability mismatch")
	ErrPlatformUnsupported  = errors.New("backend unsupported on this platform")
	ErrCommandTimeout       = errors.New("command timed out")
	ErrConnectionUnhealthy  = errors.New("connection became unhealthy")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrNoHealthyBackend     = errors.New("no healthy backend available")
	ErrBatchPartialFailure  = errors.New("batch partially failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session name already exists")
	ErrExtensionUnsupported = errors.New("extension operation not supported")
)
