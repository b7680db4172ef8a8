package manager

import (
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is the connection state of one server handle.
type State int

// Connection states. Disconnected is both the initial state and the result
// of a completed teardown. Failed is reached from Connecting or Connected on
// an unrecoverable transport error; a failed handle is eligible for a fresh
// connect attempt.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the externally visible snapshot of one server handle.
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	LastActive time.Time `json:"lastActive,omitzero"`
	Err        string    `json:"error,omitempty"`
}

// handle is the runtime record for one configured server. The session is
// exclusively owned by the handle while connected; nothing else holds a
// reference to the transport.
//
// opMu serializes whole connect/disconnect operations for this server so
// transitions never interleave; mu guards the fields for short reads and
// writes. Lock order: opMu before mu, never the reverse.
type handle struct {
	name string
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	session    *mcp.ClientSession
	tools      []*mcp.Tool
	lastActive time.Time
	lastErr    error
}

func (h *handle) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) currentSession() *mcp.ClientSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *handle) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:      h.name,
		State:     h.state,
		StateName: h.state.String(),
	}
	if h.state == StateConnected {
		st.LastActive = h.lastActive
	}
	if h.lastErr != nil {
		st.Err = h.lastErr.Error()
	}
	return st
}

// fail records an unrecoverable error and moves the handle to Failed.
// The caller is responsible for having released any session first.
func (h *handle) fail(err error) {
	h.mu.Lock()
	h.state = StateFailed
	h.session = nil
	h.tools = nil
	h.lastErr = err
	h.mu.Unlock()
}

// failIfSession fails the handle only if it still owns the given session.
// A concurrent disconnect or reconnect may have replaced it already, in
// which case the newer state wins.
func (h *handle) failIfSession(session *mcp.ClientSession, err error) {
	h.mu.Lock()
	if h.session == session {
		h.state = StateFailed
		h.session = nil
		h.tools = nil
		h.lastErr = err
	}
	h.mu.Unlock()
}
