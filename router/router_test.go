package router

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sancovp/gnosys-strata/catalog"
	"github.com/sancovp/gnosys-strata/config"
	"github.com/sancovp/gnosys-strata/manager"
)

type fakeTool struct {
	name string
	desc string
}

// newTestRouter builds a router over a temp config, a temp catalog store,
// and a dialer that serves the given tools per server over in-memory
// transports.
func newTestRouter(t *testing.T, tools map[string][]fakeTool, mopts manager.Options) *Router {
	t.Helper()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for name := range tools {
		cfg.Add(config.ServerConfig{
			Name:    name,
			Type:    config.TransportStdio,
			Command: "fake",
			Enabled: true,
		})
	}

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mopts.Dialer = func(c config.ServerConfig) (mcp.Transport, error) {
		server := mcp.NewServer(&mcp.Implementation{Name: c.Name}, nil)
		for _, ft := range tools[c.Name] {
			name := ft.name
			mcp.AddTool(server, &mcp.Tool{
				Name:        ft.name,
				Description: ft.desc,
			}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
				return nil, map[string]any{"called": name}, nil
			})
		}
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(context.Background(), serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}

	r := New(Options{
		Config:     cfg,
		Store:      store,
		Manager:    mopts,
		ServerInfo: ServerInfo{Name: "strata-test", Version: "0.0.1"},
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func issueTools() map[string][]fakeTool {
	return map[string][]fakeTool{
		"tracker": {
			{name: "create_issue", desc: "Create a new issue in the tracker"},
			{name: "close_issue", desc: "Close an existing issue"},
		},
		"chat": {
			{name: "send_message", desc: "Send a message to a channel"},
		},
	}
}

func TestDiscoverConnectsAndRefreshesCatalog(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})

	results := r.Discover(context.Background(), []string{"tracker"}, "", false)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Online {
		t.Errorf("expected tracker online, got %+v", results[0])
	}
	if len(results[0].Actions) != 2 {
		t.Errorf("expected 2 actions, got %+v", results[0].Actions)
	}

	// The connect hook must have landed a catalog entry.
	entry, found, err := r.store.Get("tracker")
	if err != nil || !found {
		t.Fatalf("expected catalog entry, found=%v err=%v", found, err)
	}
	if len(entry.Tools) != 2 || entry.Token == "" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestDiscoverOfflineUsesCache(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	// Warm the catalog, then go cold.
	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.Disconnect("tracker"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	results := r.Discover(ctx, []string{"tracker"}, "issue", true)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Online || !res.Cached {
		t.Errorf("expected cached offline result, got %+v", res)
	}
	if len(res.Actions) != 2 {
		t.Errorf("expected both issue actions from cache, got %+v", res.Actions)
	}

	// Never-seen server has nothing to answer offline.
	cold := r.Discover(ctx, []string{"chat"}, "", true)
	if cold[0].Error == "" || len(cold[0].Actions) != 0 {
		t.Errorf("expected cache miss for chat, got %+v", cold[0])
	}
}

func TestSearchCatalogOfflineAnnotation(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	for _, name := range []string{"tracker", "chat"} {
		if err := r.Connect(ctx, name); err != nil {
			t.Fatalf("Connect %s failed: %v", name, err)
		}
	}
	if err := r.Disconnect("tracker"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	hits, err := r.SearchCatalog("issue", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits for disconnected server")
	}
	for _, hit := range hits {
		if hit.Server == "tracker" && hit.Online {
			t.Errorf("tracker should be offline, got %+v", hit)
		}
	}
}

func TestSearchCatalogExcludesDisabled(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.SetEnabled("tracker", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	hits, err := r.SearchCatalog("issue", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	for _, hit := range hits {
		if hit.Server == "tracker" {
			t.Errorf("disabled server leaked into results: %+v", hit)
		}
	}

	// Re-enabling brings the cataloged actions back without a reconnect.
	if err := r.SetEnabled("tracker", true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	hits, err = r.SearchCatalog("issue", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected hits after re-enable")
	}
}

func TestSearchCatalogMatchesSets(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	r.cfg.UpsertSet("daily-work", config.Set{
		Description: "Everything for the daily workflow",
		Servers:     []string{"tracker"},
	})

	hits, err := r.SearchCatalog("daily", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	found := false
	for _, hit := range hits {
		if hit.Type == "set" && hit.Set == "daily-work" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected set hit, got %+v", hits)
	}
}

func TestActionDetailsLiveAndCached(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	live, err := r.ActionDetails("tracker", "create_issue")
	if err != nil {
		t.Fatalf("ActionDetails failed: %v", err)
	}
	if !live.Online || len(live.InputSchema) == 0 {
		t.Errorf("expected live schema, got %+v", live)
	}

	if err := r.Disconnect("tracker"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	cached, err := r.ActionDetails("tracker", "create_issue")
	if err != nil {
		t.Fatalf("cached ActionDetails failed: %v", err)
	}
	if cached.Online {
		t.Errorf("expected offline answer, got %+v", cached)
	}
	if cached.Description != live.Description {
		t.Errorf("cache drifted: %q vs %q", cached.Description, live.Description)
	}

	if _, err := r.ActionDetails("tracker", "no_such_action"); !errors.Is(err, catalog.ErrNotCached) {
		t.Errorf("expected ErrNotCached, got %v", err)
	}
	if _, err := r.ActionDetails("ghost", "anything"); !errors.Is(err, manager.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestRefreshIdempotent(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first, _, err := r.store.Get("tracker")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Nothing changed, so the second refresh must not rewrite the entry.
	if err := r.Refresh("tracker"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	second, _, err := r.store.Get("tracker")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second.Token != first.Token {
		t.Errorf("token changed across idle refresh: %s vs %s", second.Token, first.Token)
	}
	if !second.RefreshedAt.Equal(first.RefreshedAt) {
		t.Error("entry rewritten even though nothing changed")
	}
}

func TestExecuteAction(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{ConnectOnDemand: true})

	got, err := r.Execute(context.Background(), "chat", "send_message", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := map[string]any{"called": "send_message"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Execute = %v, want %v", got, want)
	}
}

func TestConnectSetExclusive(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	r.cfg.UpsertSet("tracking", config.Set{Servers: []string{"tracker"}})

	if err := r.Connect(ctx, "chat"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.ConnectSet(ctx, "tracking", true); err != nil {
		t.Fatalf("ConnectSet failed: %v", err)
	}

	if got := r.mgr.Connected(); !reflect.DeepEqual(got, []string{"tracker"}) {
		t.Errorf("Connected() = %v, want [tracker]", got)
	}
}

func TestPopulateLeavesServersCold(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})

	if err := r.Populate(context.Background()); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	if got := r.mgr.Connected(); len(got) != 0 {
		t.Errorf("expected all servers cold after populate, got %v", got)
	}
	for name := range issueTools() {
		if _, found, err := r.store.Get(name); err != nil || !found {
			t.Errorf("expected catalog entry for %s, found=%v err=%v", name, found, err)
		}
	}

	// The catalog answers searches with everything cold.
	hits, err := r.SearchCatalog("message", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected offline hits after populate")
	}
}

func TestRefreshDuringIndexRebuildStaysSearchable(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	// Interleave a refresh with an index rebuild: the rebuild pass claims
	// the dirty flag and snapshots the store, then a connect lands a new
	// catalog entry (and its mark) before the pass finishes.
	r.indexMu.Lock()
	r.dirty.Swap(false)
	if err := r.rebuildIndex(); err != nil {
		r.indexMu.Unlock()
		t.Fatalf("rebuild failed: %v", err)
	}
	if err := r.Connect(ctx, "tracker"); err != nil {
		r.indexMu.Unlock()
		t.Fatalf("Connect failed: %v", err)
	}
	r.indexMu.Unlock()

	// The mark set mid-rebuild must survive, so the next search rebuilds
	// and sees the entry.
	hits, err := r.SearchCatalog("create_issue", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	found := false
	for _, hit := range hits {
		if hit.Server == "tracker" && hit.Action == "create_issue" {
			found = true
		}
	}
	if !found {
		t.Fatalf("entry written during rebuild is not searchable: %+v", hits)
	}
}

func TestEnabledDisabledFlow(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()
	r.cfg.SetEnabled("chat", false)

	if err := r.Connect(ctx, "chat"); !errors.Is(err, manager.ErrConfigDisabled) {
		t.Fatalf("expected ErrConfigDisabled, got %v", err)
	}

	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := r.mgr.Connected(); !reflect.DeepEqual(got, []string{"tracker"}) {
		t.Fatalf("Connected() = %v, want [tracker]", got)
	}

	// The catalog keeps answering once the entry was written, with the
	// server back offline.
	if err := r.Disconnect("tracker"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	hits, err := r.SearchCatalog("create_issue", 0)
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	found := false
	for _, hit := range hits {
		if hit.Server == "tracker" && hit.Action == "create_issue" {
			found = true
			if hit.Online {
				t.Error("tracker should be reported offline")
			}
		}
	}
	if !found {
		t.Errorf("expected create_issue hit, got %+v", hits)
	}

	for _, status := range r.List() {
		if status.Name == "tracker" && status.State != manager.StateDisconnected {
			t.Errorf("tracker state = %s, want disconnected", status.StateName)
		}
	}
}

func TestRemoveServerInvalidatesCatalog(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	if err := r.Connect(ctx, "tracker"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.RemoveServer("tracker"); err != nil {
		t.Fatalf("RemoveServer failed: %v", err)
	}

	if _, found, _ := r.store.Get("tracker"); found {
		t.Error("expected catalog entry gone after remove")
	}
	if err := r.Connect(ctx, "tracker"); !errors.Is(err, manager.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestHandleAuthFailure(t *testing.T) {
	r := newTestRouter(t, issueTools(), manager.Options{})
	ctx := context.Background()

	out, err := r.executeTool(ctx, ToolHandleAuthFailure, map[string]any{
		"server_name": "tracker",
		"intention":   "get_auth_url",
	})
	if err != nil {
		t.Fatalf("get_auth_url failed: %v", err)
	}
	instr := out.(map[string]any)
	fields, ok := instr["required_fields"].(map[string]any)
	if !ok || fields["token"] == nil {
		t.Errorf("expected token in required_fields, got %v", instr)
	}

	out, err = r.executeTool(ctx, ToolHandleAuthFailure, map[string]any{
		"server_name": "tracker",
		"intention":   "save_auth_data",
		"auth_data":   map[string]any{"token": "secret-token"},
	})
	if err != nil {
		t.Fatalf("save_auth_data failed: %v", err)
	}
	if status := out.(map[string]any)["status"]; status != "success" {
		t.Errorf("status = %v, want success", status)
	}
	cfg, _ := r.cfg.Get("tracker")
	if cfg.Auth != "secret-token" {
		t.Errorf("persisted Auth = %q, want secret-token", cfg.Auth)
	}

	if _, err := r.executeTool(ctx, ToolHandleAuthFailure, map[string]any{
		"server_name": "ghost",
		"intention":   "get_auth_url",
	}); !errors.Is(err, manager.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound for unknown server, got %v", err)
	}
	if _, err := r.executeTool(ctx, ToolHandleAuthFailure, map[string]any{
		"server_name": "tracker",
		"intention":   "save_auth_data",
	}); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments without auth_data, got %v", err)
	}
}
