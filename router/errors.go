package router

import (
	"errors"

	"github.com/sancovp/gnosys-strata/catalog"
	"github.com/sancovp/gnosys-strata/manager"
)

// Sentinel errors for the broker surface.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// MCP JSON-RPC 2.0 error codes as per the spec.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeToolNotFound   = -32001
	ErrCodeToolExecFailed = -32002
	ErrCodeServerOffline  = -32003
	ErrCodeStoreFailure   = -32004
)

// errorCode maps broker errors onto wire error codes so every binding
// reports failures identically.
func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return ErrCodeToolNotFound
	case errors.Is(err, ErrInvalidArguments):
		return ErrCodeInvalidParams
	case errors.Is(err, manager.ErrConfigNotFound),
		errors.Is(err, manager.ErrConfigDisabled),
		errors.Is(err, catalog.ErrNotCached):
		return ErrCodeToolNotFound
	case errors.Is(err, manager.ErrNotConnected),
		errors.Is(err, manager.ErrServerUnavailable),
		errors.Is(err, manager.ErrLaunchFailed),
		errors.Is(err, manager.ErrHandshakeFailed):
		return ErrCodeServerOffline
	case errors.Is(err, catalog.ErrStoreUnavailable):
		return ErrCodeStoreFailure
	case errors.Is(err, manager.ErrTimeout),
		errors.Is(err, manager.ErrExecutionFailed):
		return ErrCodeToolExecFailed
	default:
		return ErrCodeInternal
	}
}
