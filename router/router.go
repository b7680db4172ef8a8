package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sancovp/gnosys-strata/catalog"
	"github.com/sancovp/gnosys-strata/config"
	"github.com/sancovp/gnosys-strata/manager"
	"github.com/sancovp/gnosys-strata/search"
)

// ServerInfo identifies the broker on the MCP handshake.
type ServerInfo struct {
	Name    string
	Version string
}

// Options configures a Router.
type Options struct {
	Config     *config.List
	Store      *catalog.Store
	Manager    manager.Options
	ServerInfo ServerInfo
	Logger     *slog.Logger
}

// Router is the broker facade: a small, stable set of operations over any
// number of configured tool servers. Callers discover actions, read schemas,
// search the catalog, and execute; the router starts servers just in time
// and keeps the persistent catalog fresh behind the scenes.
type Router struct {
	cfg    *config.List
	store  *catalog.Store
	mgr    *manager.Manager
	search *search.Searcher
	info   ServerInfo
	log    *slog.Logger

	// dirty marks the search index stale relative to the catalog store.
	// indexMu serializes rebuilds; searches themselves never take it.
	dirty   atomic.Bool
	indexMu sync.Mutex
}

// New wires the router together. The manager's connect hook is pointed at
// the catalog refresh, so every successful handshake lands fresh schemas in
// the store.
func New(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Router{
		cfg:    opts.Config,
		store:  opts.Store,
		search: search.NewSearcher(),
		info:   opts.ServerInfo,
		log:    log.With("component", "router"),
	}

	mopts := opts.Manager
	mopts.Logger = opts.Logger
	userHook := mopts.OnConnect
	mopts.OnConnect = func(name string) {
		if err := r.Refresh(name); err != nil {
			r.log.Warn("catalog refresh failed", "server", name, "error", err)
		}
		if userHook != nil {
			userHook(name)
		}
	}
	r.mgr = manager.New(opts.Config, mopts)

	// First search hit builds the index lazily from whatever the store
	// already holds, so the catalog is searchable before anything connects.
	r.dirty.Store(true)
	return r
}

// Manager exposes the lifecycle manager for status queries.
func (r *Router) Manager() *manager.Manager { return r.mgr }

// Close shuts down the lifecycle manager. The catalog store stays open;
// its owner closes it.
func (r *Router) Close() error {
	return r.mgr.Close()
}

// Refresh recomputes the catalog entry for a connected server. The entry is
// written only when its freshness token actually changed, so refreshing an
// unchanged server is a no-op with no store write and no index rebuild.
// This is the only path that mutates the catalog contents.
func (r *Router) Refresh(server string) error {
	tools := r.mgr.Tools(server)
	if tools == nil {
		return fmt.Errorf("%w: %s", manager.ErrNotConnected, server)
	}
	cfg, ok := r.cfg.Get(server)
	if !ok {
		return fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}

	schemas := make([]catalog.ToolSchema, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("encode schema %s.%s: %w", server, tool.Name, err)
		}
		schemas = append(schemas, catalog.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: raw,
			Hash:        catalog.SchemaHash(tool.Name, tool.Description, raw),
		})
	}

	configHash := cfg.Hash()
	token := catalog.Token(configHash, schemas)
	if existing, found, err := r.store.Get(server); err == nil && found && existing.Token == token {
		return nil
	}

	if err := r.store.Put(catalog.Entry{
		Server:      server,
		Tools:       schemas,
		Token:       token,
		ConfigHash:  configHash,
		RefreshedAt: time.Now(),
	}); err != nil {
		return err
	}
	r.log.Info("catalog refreshed", "server", server, "tools", len(schemas))
	r.markDirty()
	go r.ensureIndex()
	return nil
}

func (r *Router) markDirty() { r.dirty.Store(true) }

// ensureIndex rebuilds the search index when the catalog changed since the
// last build. The searcher swaps the new index in atomically, so concurrent
// searches see either the old or the new state.
func (r *Router) ensureIndex() {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	// Claim the flag before reading the store. A refresh landing while the
	// rebuild runs sets the flag again and forces the next pass; clearing
	// it afterwards would erase that mark and hide the new entry.
	if !r.dirty.Swap(false) {
		return
	}
	if err := r.rebuildIndex(); err != nil {
		r.dirty.Store(true)
		r.log.Warn("search index rebuild failed", "error", err)
	}
}

func (r *Router) rebuildIndex() error {
	entries, err := r.store.All()
	if err != nil {
		return err
	}
	enabled := make(map[string]bool)
	for _, cfg := range r.cfg.Servers(true) {
		enabled[cfg.Name] = true
	}

	var docs []search.Doc
	for _, entry := range entries {
		if !enabled[entry.Server] {
			continue
		}
		for _, tool := range entry.Tools {
			docs = append(docs, search.Doc{
				Server:      entry.Server,
				Action:      tool.Name,
				Description: tool.Description,
			})
		}
	}
	return r.search.Update(docs)
}

// ActionSummary is one action in a discovery listing.
type ActionSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ServerActions is the discovery result for one server.
type ServerActions struct {
	Server  string          `json:"server"`
	Online  bool            `json:"online"`
	Cached  bool            `json:"cached,omitempty"`
	Actions []ActionSummary `json:"actions"`
	Error   string          `json:"error,omitempty"`
}

// Discover lists the actions of the named servers, or of every enabled
// server when none are named. Cold servers are connected unless offline is
// set, in which case cached catalog entries answer instead. A failing server
// is reported in its own slot; it never sinks the whole call.
func (r *Router) Discover(ctx context.Context, servers []string, query string, offline bool) []ServerActions {
	if len(servers) == 0 {
		for _, cfg := range r.cfg.Servers(true) {
			servers = append(servers, cfg.Name)
		}
	}

	out := make([]ServerActions, 0, len(servers))
	for _, name := range servers {
		out = append(out, r.discoverOne(ctx, name, query, offline))
	}
	return out
}

func (r *Router) discoverOne(ctx context.Context, name, query string, offline bool) ServerActions {
	res := ServerActions{Server: name}

	cfg, ok := r.cfg.Get(name)
	if !ok {
		res.Error = fmt.Errorf("%w: %s", manager.ErrConfigNotFound, name).Error()
		return res
	}
	if !cfg.Enabled {
		res.Error = fmt.Errorf("%w: %s", manager.ErrConfigDisabled, name).Error()
		return res
	}

	if !offline {
		if err := r.mgr.Connect(ctx, name); err != nil {
			res.Error = err.Error()
		}
	}

	if tools := r.mgr.Tools(name); tools != nil {
		res.Online = true
		for _, tool := range tools {
			if !matchesQuery(query, tool.Name, tool.Description) {
				continue
			}
			res.Actions = append(res.Actions, ActionSummary{
				Name:        tool.Name,
				Description: tool.Description,
			})
		}
		return res
	}

	entry, found, err := r.store.Get(name)
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}
	if !found {
		if res.Error == "" {
			res.Error = fmt.Errorf("%w: %s", catalog.ErrNotCached, name).Error()
		}
		return res
	}
	res.Cached = true
	for _, tool := range entry.Tools {
		if !matchesQuery(query, tool.Name, tool.Description) {
			continue
		}
		res.Actions = append(res.Actions, ActionSummary{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	return res
}

func matchesQuery(query string, fields ...string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// ActionDetail is the full schema of one action.
type ActionDetail struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Online      bool            `json:"online"`
}

// ActionDetails returns the schema for one action. A connected server
// answers live; otherwise the catalog answers from cache. An action known
// nowhere returns ErrNotCached.
func (r *Router) ActionDetails(server, action string) (ActionDetail, error) {
	if _, ok := r.cfg.Get(server); !ok {
		return ActionDetail{}, fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}

	if tools := r.mgr.Tools(server); tools != nil {
		for _, tool := range tools {
			if tool.Name != action {
				continue
			}
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return ActionDetail{}, fmt.Errorf("encode schema %s.%s: %w", server, action, err)
			}
			return ActionDetail{
				Server:      server,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: raw,
				Online:      true,
			}, nil
		}
		return ActionDetail{}, fmt.Errorf("%w: %s.%s", catalog.ErrNotCached, server, action)
	}

	entry, found, err := r.store.Get(server)
	if err != nil {
		return ActionDetail{}, err
	}
	if found {
		for _, tool := range entry.Tools {
			if tool.Name != action {
				continue
			}
			return ActionDetail{
				Server:      server,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}, nil
		}
	}
	return ActionDetail{}, fmt.Errorf("%w: %s.%s", catalog.ErrNotCached, server, action)
}

// Execute forwards an action call to its server through the lifecycle
// manager, connecting on demand when the manager's policy allows it.
func (r *Router) Execute(ctx context.Context, server, action string, args map[string]any) (any, error) {
	return r.mgr.Execute(ctx, server, action, args)
}

// CatalogHit is one search result: a tool action or a named server set.
type CatalogHit struct {
	Type        string  `json:"type"`
	Server      string  `json:"server,omitempty"`
	Action      string  `json:"action,omitempty"`
	Set         string  `json:"set,omitempty"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Online      bool    `json:"online"`
}

// SearchCatalog searches actions across every cataloged server, connected
// or not, plus named server sets matching the query. Each hit is annotated
// with whether its server is currently online. Only configured, enabled
// servers appear.
func (r *Router) SearchCatalog(query string, limit int) ([]CatalogHit, error) {
	r.ensureIndex()

	results, err := r.search.Search(query, limit)
	if err != nil {
		return nil, err
	}

	online := make(map[string]bool)
	for _, name := range r.mgr.Connected() {
		online[name] = true
	}
	enabled := make(map[string]bool)
	for _, cfg := range r.cfg.Servers(true) {
		enabled[cfg.Name] = true
	}

	hits := make([]CatalogHit, 0, len(results))
	for _, res := range results {
		if !enabled[res.Server] {
			continue
		}
		hits = append(hits, CatalogHit{
			Type:        "tool",
			Server:      res.Server,
			Action:      res.Action,
			Description: res.Description,
			Score:       res.Score,
			Online:      online[res.Server],
		})
	}

	for _, name := range r.cfg.SearchSets(query) {
		set, ok := r.cfg.GetSet(name)
		if !ok {
			continue
		}
		hits = append(hits, CatalogHit{
			Type:        "set",
			Set:         name,
			Description: set.Description,
		})
	}
	return hits, nil
}

// SearchServer searches one server's cataloged actions. The server does not
// need to be connected.
func (r *Router) SearchServer(server, query string, limit int) ([]CatalogHit, error) {
	if _, ok := r.cfg.Get(server); !ok {
		return nil, fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}
	r.ensureIndex()

	if limit <= 0 {
		limit = search.DefaultLimit
	}
	// Over-fetch, then keep only this server's hits.
	results, err := r.search.Search(query, search.MaxLimit)
	if err != nil {
		return nil, err
	}

	online := false
	for _, name := range r.mgr.Connected() {
		if name == server {
			online = true
			break
		}
	}

	var hits []CatalogHit
	for _, res := range results {
		if res.Server != server {
			continue
		}
		hits = append(hits, CatalogHit{
			Type:        "tool",
			Server:      res.Server,
			Action:      res.Action,
			Description: res.Description,
			Score:       res.Score,
			Online:      online,
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// Connect brings one server online.
func (r *Router) Connect(ctx context.Context, server string) error {
	return r.mgr.Connect(ctx, server)
}

// Disconnect takes one server offline. Its catalog entry survives.
func (r *Router) Disconnect(server string) error {
	return r.mgr.Disconnect(server)
}

// DisconnectAll takes every server offline.
func (r *Router) DisconnectAll() error {
	return r.mgr.DisconnectAll()
}

// List reports the status of every configured server from in-memory state.
func (r *Router) List() []manager.Status {
	return r.mgr.List()
}

// ConnectSet connects every server a named set resolves to. In exclusive
// mode, connected servers outside the set are disconnected first. Failures
// are per-server and joined; the rest of the set still connects.
func (r *Router) ConnectSet(ctx context.Context, set string, exclusive bool) error {
	names, ok := r.cfg.ResolveSet(set)
	if !ok {
		return fmt.Errorf("set %q not found", set)
	}

	if exclusive {
		want := make(map[string]bool, len(names))
		for _, name := range names {
			want[name] = true
		}
		for _, name := range r.mgr.Connected() {
			if !want[name] {
				_ = r.mgr.Disconnect(name)
			}
		}
	}

	var errs []error
	for _, name := range names {
		if err := r.mgr.Connect(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisconnectSet disconnects every server a named set resolves to.
func (r *Router) DisconnectSet(set string) error {
	names, ok := r.cfg.ResolveSet(set)
	if !ok {
		return fmt.Errorf("set %q not found", set)
	}
	var errs []error
	for _, name := range names {
		if err := r.mgr.Disconnect(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Populate walks every enabled server: connect, let the refresh hook land
// fresh schemas in the catalog, then return servers that were cold back to
// cold. One bad server does not stop the sweep.
func (r *Router) Populate(ctx context.Context) error {
	wasConnected := make(map[string]bool)
	for _, name := range r.mgr.Connected() {
		wasConnected[name] = true
	}

	var errs []error
	for _, cfg := range r.cfg.Servers(true) {
		if err := r.mgr.Connect(ctx, cfg.Name); err != nil {
			errs = append(errs, fmt.Errorf("populate %s: %w", cfg.Name, err))
			continue
		}
		if !wasConnected[cfg.Name] {
			_ = r.mgr.Disconnect(cfg.Name)
		}
	}
	r.ensureIndex()
	return errors.Join(errs...)
}

// SetEnabled flips a server's enabled flag. Disabling disconnects the
// server and hides its catalog entries from search; the stored entries
// survive for when it is re-enabled.
func (r *Router) SetEnabled(server string, enabled bool) error {
	if !r.cfg.SetEnabled(server, enabled) {
		return fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}
	if !enabled {
		_ = r.mgr.Disconnect(server)
	}
	r.markDirty()
	return r.cfg.Save()
}

// AuthInstructions tells a client what credential a server needs. The broker
// never brokers an OAuth flow itself; it asks for a token and stores it.
func (r *Router) AuthInstructions(server string) (any, error) {
	if _, ok := r.cfg.Get(server); !ok {
		return nil, fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}
	return map[string]any{
		"server":       server,
		"message":      fmt.Sprintf("Authentication required for server '%s'", server),
		"instructions": "Please provide authentication credentials",
		"required_fields": map[string]any{
			"token": "Authentication token or API key",
		},
	}, nil
}

// SaveAuth persists a credential on a server config and disconnects the
// server so the next connect dials with the fresh credential.
func (r *Router) SaveAuth(server, token string) (any, error) {
	if !r.cfg.SetAuth(server, token) {
		return nil, fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}
	_ = r.mgr.Disconnect(server)
	if err := r.cfg.Save(); err != nil {
		return nil, err
	}
	return map[string]any{
		"server":  server,
		"status":  "success",
		"message": fmt.Sprintf("Authentication data saved for server '%s'", server),
	}, nil
}

// RemoveServer drops a server from the config, disconnects it, and
// invalidates its catalog entry.
func (r *Router) RemoveServer(server string) error {
	if !r.cfg.Remove(server) {
		return fmt.Errorf("%w: %s", manager.ErrConfigNotFound, server)
	}
	_ = r.mgr.Disconnect(server)
	if err := r.store.Invalidate(server); err != nil {
		r.log.Warn("catalog invalidate failed", "server", server, "error", err)
	}
	r.markDirty()
	return r.cfg.Save()
}

// Reload re-reads the config file. Servers whose config changed or vanished
// are disconnected; their next touch re-validates against the fresh config.
func (r *Router) Reload() error {
	affected, err := r.cfg.Reload()
	if err != nil {
		return err
	}
	if len(affected) > 0 {
		sort.Strings(affected)
		r.log.Info("config reloaded", "affected", affected)
		r.mgr.ConfigChanged(affected)
		r.markDirty()
	}
	return nil
}
