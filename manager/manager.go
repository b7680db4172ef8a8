package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/sancovp/gnosys-strata/config"
)

const (
	clientName    = "strata"
	clientVersion = "0.3.0"

	defaultHandshakeTimeout = 30 * time.Second
	defaultExecuteTimeout   = 60 * time.Second
	pingTimeout             = 2 * time.Second
)

// Dialer produces the client transport for a server config. The default
// launches stdio servers as subprocesses and dials http/sse servers; tests
// override it to hand out in-memory transports.
type Dialer func(cfg config.ServerConfig) (mcp.Transport, error)

// Options configures a Manager.
type Options struct {
	// HandshakeTimeout bounds launch plus protocol handshake for one
	// connect attempt. Default 30s.
	HandshakeTimeout time.Duration
	// ExecuteTimeout bounds a single action call. Default 60s.
	ExecuteTimeout time.Duration
	// IdleTimeout disconnects servers with no activity for this long.
	// Zero means never auto-disconnect.
	IdleTimeout time.Duration
	// MaxConnected caps concurrently connected servers. Connecting past the
	// cap evicts the least-recently-used connected server first.
	// Zero means unbounded.
	MaxConnected int
	// ConnectOnDemand makes Execute connect a cold server instead of
	// failing with ErrNotConnected.
	ConnectOnDemand bool
	// Dialer overrides transport construction (useful for tests).
	Dialer Dialer
	// OnConnect fires after a server reaches Connected with its schemas
	// fetched. The router hangs its catalog refresh here.
	OnConnect func(name string)
	// Logger receives operation logs. Nil means silent.
	Logger *slog.Logger
}

// Manager owns the runtime handles for all configured servers and starts
// them just in time. It is the only writer of connection state: connects and
// disconnects for one server are serialized, concurrent connects coalesce
// into a single launch attempt, and different servers proceed fully in
// parallel.
type Manager struct {
	cfg  *config.List
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	flight singleflight.Group
	done   chan struct{}
	reapWG sync.WaitGroup
}

// New creates a Manager over the given configuration. If an idle timeout is
// configured, a background reaper disconnects idle servers through the same
// path as an explicit disconnect.
func New(cfg *config.List, opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = defaultExecuteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		cfg:     cfg,
		opts:    opts,
		log:     log.With("component", "manager"),
		handles: make(map[string]*handle),
		done:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		m.reapWG.Add(1)
		go m.reap()
	}
	return m
}

// Connect brings a server to Connected. It is idempotent: an already
// connected server returns immediately, and concurrent callers for the same
// server share one launch attempt. Cancelling a waiting caller abandons the
// wait only; the shared attempt runs to completion and its outcome is
// recorded on the handle for the remaining waiters.
func (m *Manager) Connect(ctx context.Context, name string) error {
	h, err := m.handleFor(name)
	if err != nil {
		return err
	}
	if h.currentState() == StateConnected {
		return nil
	}

	ch := m.flight.DoChan("connect:"+name, func() (any, error) {
		return nil, m.connect(name, h)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) connect(name string, h *handle) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.currentState() == StateConnected {
		return nil
	}

	// Re-read the config under the lock so a reload between calls is
	// honored.
	cfg, ok := m.cfg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrConfigDisabled, name)
	}

	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.evictForHeadroom(name)

	h.mu.Lock()
	h.state = StateConnecting
	h.lastErr = nil
	h.mu.Unlock()

	m.log.Info("connecting server", "server", name, "type", cfg.Type)

	dial := m.opts.Dialer
	if dial == nil {
		dial = defaultTransport
	}
	transport, err := dial(cfg)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrLaunchFailed, name, err)
		h.fail(err)
		return err
	}

	// The launch runs under its own deadline, detached from any one
	// caller's context: waiters come and go, the attempt completes or
	// fails on its own.
	cctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(cctx, transport, nil)
	if err != nil {
		kind := ErrLaunchFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrHandshakeFailed
		}
		err = fmt.Errorf("%w: %s: %v", kind, name, err)
		h.fail(err)
		m.log.Warn("connect failed", "server", name, "error", err)
		return err
	}

	res, err := session.ListTools(cctx, nil)
	if err != nil {
		_ = session.Close()
		err = fmt.Errorf("%w: %s: list tools: %v", ErrHandshakeFailed, name, err)
		h.fail(err)
		m.log.Warn("connect failed", "server", name, "error", err)
		return err
	}

	h.mu.Lock()
	h.state = StateConnected
	h.session = session
	h.tools = res.Tools
	h.lastActive = time.Now()
	h.mu.Unlock()

	m.log.Info("server connected", "server", name, "tools", len(res.Tools))
	if m.opts.OnConnect != nil {
		m.opts.OnConnect(name)
	}
	return nil
}

// Disconnect releases a server's session and returns its handle to
// Disconnected. It is idempotent, and teardown is best-effort: even when
// closing the session errors, the handle ends up Disconnected with no
// session reference retained.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.disconnect(h)
}

func (m *Manager) disconnect(h *handle) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if h.state != StateConnected && h.state != StateFailed {
		h.mu.Unlock()
		return nil
	}
	session := h.session
	h.session = nil
	h.tools = nil
	h.state = StateDisconnecting
	h.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}

	h.mu.Lock()
	h.state = StateDisconnected
	h.lastErr = nil
	h.mu.Unlock()

	if err != nil {
		m.log.Warn("teardown error", "server", h.name, "error", err)
		return fmt.Errorf("disconnect %s: %w", h.name, err)
	}
	m.log.Info("server disconnected", "server", h.name)
	return nil
}

// DisconnectAll tears down every handle. Errors are joined; every handle
// ends Disconnected regardless.
func (m *Manager) DisconnectAll() error {
	var errs []error
	for _, h := range m.handlesSnapshot() {
		if err := m.disconnect(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute forwards an action call to a server. A cold server is connected
// first when ConnectOnDemand is set, otherwise the call fails fast with
// ErrNotConnected. The call is bounded by ExecuteTimeout; a timeout alone
// does not condemn the handle: only a transport that no longer answers a
// ping is marked Failed.
func (m *Manager) Execute(ctx context.Context, name, action string, args map[string]any) (any, error) {
	h, err := m.handleFor(name)
	if err != nil {
		return nil, err
	}

	if h.currentState() != StateConnected {
		if !m.opts.ConnectOnDemand {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
		}
		if err := m.Connect(ctx, name); err != nil {
			return nil, err
		}
	}

	session := h.currentSession()
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ExecuteTimeout)
	defer cancel()

	result, err := session.CallTool(cctx, &mcp.CallToolParams{
		Name:      action,
		Arguments: args,
	})
	h.touch()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cctx.Err() != nil {
			// Deadline hit. A slow call by itself is not proof the
			// transport died.
			return nil, fmt.Errorf("%w: %s.%s", ErrTimeout, name, action)
		}
		if m.sessionDead(session) {
			_ = session.Close()
			failErr := fmt.Errorf("%w: %s: %v", ErrServerUnavailable, name, err)
			h.failIfSession(session, failErr)
			m.log.Warn("server transport lost", "server", name, "error", err)
			return nil, failErr
		}
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrExecutionFailed, name, action, err)
	}
	if result != nil && result.IsError {
		return nil, fmt.Errorf("%w: %s.%s: %s", ErrExecutionFailed, name, action, resultErrorText(result))
	}
	return resultValue(result), nil
}

func (m *Manager) sessionDead(session *mcp.ClientSession) bool {
	pctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return session.Ping(pctx, nil) != nil
}

// Tools returns a snapshot of a connected server's tool schemas as reported
// during the handshake. Returns nil for servers that are not connected.
func (m *Manager) Tools(name string) []*mcp.Tool {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConnected || len(h.tools) == 0 {
		return nil
	}
	out := make([]*mcp.Tool, len(h.tools))
	copy(out, h.tools)
	return out
}

// List returns the status of every configured server, sorted by name.
// It reads only in-memory state and never blocks on server I/O. Servers
// never touched this session report Disconnected.
func (m *Manager) List() []Status {
	configured := m.cfg.Servers(false)

	m.mu.Lock()
	handles := make(map[string]*handle, len(m.handles))
	for name, h := range m.handles {
		handles[name] = h
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(configured))
	for _, cfg := range configured {
		if h, ok := handles[cfg.Name]; ok {
			out = append(out, h.status())
			continue
		}
		out = append(out, Status{
			Name:      cfg.Name,
			State:     StateDisconnected,
			StateName: StateDisconnected.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connected returns the names of currently connected servers.
func (m *Manager) Connected() []string {
	var names []string
	for _, h := range m.handlesSnapshot() {
		if h.currentState() == StateConnected {
			names = append(names, h.name)
		}
	}
	sort.Strings(names)
	return names
}

// ConfigChanged reacts to a configuration reload: servers whose config
// changed or disappeared are disconnected so the next touch re-validates
// against the fresh config. Unchanged connected servers are left alone.
func (m *Manager) ConfigChanged(names []string) {
	for _, name := range names {
		m.log.Info("config changed, disconnecting", "server", name)
		_ = m.Disconnect(name)
	}
}

// Close shuts the manager down: the idle reaper stops and every handle is
// force-disconnected so no subprocess outlives the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.reapWG.Wait()
	return m.DisconnectAll()
}

func (m *Manager) handleFor(name string) (*handle, error) {
	cfg, ok := m.cfg.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrConfigDisabled, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.handles[name]
	if !ok {
		h = &handle{name: name}
		m.handles[name] = h
	}
	return h, nil
}

func (m *Manager) handlesSnapshot() []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// evictForHeadroom enforces MaxConnected before a new launch: while the
// connected count is at the cap, the least-recently-used connected server
// is disconnected through the normal path.
func (m *Manager) evictForHeadroom(connecting string) {
	if m.opts.MaxConnected <= 0 {
		return
	}
	for {
		var lru *handle
		var lruTime time.Time
		count := 0
		for _, h := range m.handlesSnapshot() {
			if h.name == connecting {
				continue
			}
			h.mu.Lock()
			if h.state == StateConnected {
				count++
				if lru == nil || h.lastActive.Before(lruTime) {
					lru = h
					lruTime = h.lastActive
				}
			}
			h.mu.Unlock()
		}
		if count < m.opts.MaxConnected || lru == nil {
			return
		}
		m.log.Info("evicting least-recently-used server", "server", lru.name)
		_ = m.disconnect(lru)
	}
}

func (m *Manager) reap() {
	defer m.reapWG.Done()
	interval := m.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.opts.IdleTimeout)
			for _, h := range m.handlesSnapshot() {
				h.mu.Lock()
				idle := h.state == StateConnected && h.lastActive.Before(cutoff)
				h.mu.Unlock()
				if idle {
					m.log.Info("disconnecting idle server", "server", h.name)
					_ = m.disconnect(h)
				}
			}
		}
	}
}

func resultValue(result *mcp.CallToolResult) any {
	if result == nil {
		return nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return result.Content
}

func resultErrorText(result *mcp.CallToolResult) string {
	if result == nil {
		return "action execution failed"
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	if result.StructuredContent != nil {
		return fmt.Sprintf("%v", result.StructuredContent)
	}
	return "action execution failed"
}
