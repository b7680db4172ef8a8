package manager

import "errors"

// Sentinel errors for consistent error handling. Every operation fails with
// one of these (wrapped with context), never a bare generic error.
var (
	ErrConfigNotFound    = errors.New("server not configured")
	ErrConfigDisabled    = errors.New("server disabled in configuration")
	ErrLaunchFailed      = errors.New("server launch failed")
	ErrHandshakeFailed   = errors.New("server handshake failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrServerUnavailable = errors.New("server transport lost")
	ErrNotConnected      = errors.New("server not connected")
	ErrExecutionFailed   = errors.New("action execution failed")
	ErrClosed            = errors.New("manager closed")
)
