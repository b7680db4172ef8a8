package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "servers.json", `{
  "mcp": {
    "servers": {
      "github": {
        "command": "github-mcp",
        "args": ["--stdio"],
        "env": {"TOKEN": "x"}
      },
      "remote": {
        "url": "https://example.com/mcp"
      },
      "off": {
        "command": "off-mcp",
        "enabled": false
      }
    },
    "sets": {
      "dev": {"description": "Dev servers", "servers": ["github"]}
    }
  }
}`)

	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	github, ok := l.Get("github")
	if !ok {
		t.Fatal("expected github server")
	}
	if github.Type != TransportStdio {
		t.Errorf("expected stdio inferred from command, got %s", github.Type)
	}
	if !github.Enabled {
		t.Error("enabled should default to true")
	}

	remote, _ := l.Get("remote")
	if remote.Type != TransportSSE {
		t.Errorf("expected sse inferred from url, got %s", remote.Type)
	}

	off, _ := l.Get("off")
	if off.Enabled {
		t.Error("explicit enabled=false must be honored")
	}

	if got := len(l.Servers(true)); got != 2 {
		t.Errorf("expected 2 enabled servers, got %d", got)
	}
	if _, ok := l.GetSet("dev"); !ok {
		t.Error("expected dev set")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "servers.yaml", `
mcp:
  servers:
    local:
      command: local-mcp
      args: [serve]
`)

	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, ok := l.Get("local")
	if !ok || cfg.Command != "local-mcp" {
		t.Fatalf("unexpected config %+v ok=%v", cfg, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if got := len(l.Servers(false)); got != 0 {
		t.Errorf("expected empty list, got %d servers", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	l.Add(ServerConfig{
		Name:    "alpha",
		Type:    TransportStdio,
		Command: "alpha-mcp",
		Env:     map[string]string{"KEY": "v"},
		Enabled: true,
	})
	l.Add(ServerConfig{
		Name:    "beta",
		Type:    TransportHTTP,
		URL:     "http://localhost:9000",
		Enabled: false,
	})
	l.UpsertSet("all", Set{Servers: []string{"alpha", "beta"}})

	if err := l.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	alpha, _ := back.Get("alpha")
	want, _ := l.Get("alpha")
	if alpha.Hash() != want.Hash() {
		t.Errorf("alpha drifted across save/load")
	}
	beta, _ := back.Get("beta")
	if beta.Enabled {
		t.Error("beta enabled flag lost across save/load")
	}
	if members, ok := back.ResolveSet("all"); !ok || len(members) != 2 {
		t.Errorf("set lost across save/load: %v ok=%v", members, ok)
	}
}

func TestHashStability(t *testing.T) {
	a := ServerConfig{
		Name:    "s",
		Type:    TransportStdio,
		Command: "cmd",
		Args:    []string{"-a", "-b"},
		Env:     map[string]string{"A": "1", "B": "2"},
	}
	b := ServerConfig{
		Name:    "s",
		Type:    TransportStdio,
		Command: "cmd",
		Args:    []string{"-a", "-b"},
		Env:     map[string]string{"B": "2", "A": "1"},
	}
	if a.Hash() != b.Hash() {
		t.Error("hash must not depend on map iteration order")
	}

	c := a
	c.Args = []string{"-a-b"}
	if a.Hash() == c.Hash() {
		t.Error("arg boundaries must affect the hash")
	}

	d := a
	d.Env = map[string]string{"A": "1", "B": "3"}
	if a.Hash() == d.Hash() {
		t.Error("env values must affect the hash")
	}
}

func TestReloadReportsAffected(t *testing.T) {
	path := writeFile(t, "servers.json", `{
  "mcp": {
    "servers": {
      "keep": {"command": "keep-mcp"},
      "change": {"command": "old-mcp"},
      "drop": {"command": "drop-mcp"}
    }
  }
}`)

	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	next := `{
  "mcp": {
    "servers": {
      "keep": {"command": "keep-mcp"},
      "change": {"command": "new-mcp"},
      "added": {"command": "added-mcp"}
    }
  }
}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	affected, err := l.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if want := []string{"change", "drop"}; !reflect.DeepEqual(affected, want) {
		t.Errorf("affected = %v, want %v", affected, want)
	}
	if _, ok := l.Get("added"); !ok {
		t.Error("expected new server after reload")
	}
	if _, ok := l.Get("drop"); ok {
		t.Error("expected dropped server gone after reload")
	}
}

func TestRemoveDropsFromSets(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	l.Add(ServerConfig{Name: "a", Command: "a", Enabled: true})
	l.Add(ServerConfig{Name: "b", Command: "b", Enabled: true})
	l.UpsertSet("pair", Set{Servers: []string{"a", "b"}})

	if !l.Remove("a") {
		t.Fatal("Remove returned false")
	}
	members, _ := l.ResolveSet("pair")
	if !reflect.DeepEqual(members, []string{"b"}) {
		t.Errorf("set members = %v, want [b]", members)
	}
}

func TestResolveSetRecursiveWithCycle(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	l.UpsertSet("base", Set{Servers: []string{"a", "b"}})
	l.UpsertSet("more", Set{Servers: []string{"b", "c"}, IncludeSets: []string{"base", "loop"}})
	l.UpsertSet("loop", Set{Servers: []string{"d"}, IncludeSets: []string{"more"}})

	members, ok := l.ResolveSet("more")
	if !ok {
		t.Fatal("expected set to resolve")
	}
	if want := []string{"b", "c", "a", "d"}; !reflect.DeepEqual(members, want) {
		t.Errorf("members = %v, want %v", members, want)
	}

	if _, ok := l.ResolveSet("ghost"); ok {
		t.Error("expected missing set to report false")
	}
}

func TestSearchSets(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	l.UpsertSet("dev-tools", Set{Description: "Development helpers"})
	l.UpsertSet("ops", Set{Description: "Production operations"})

	if got := l.SearchSets("DEV"); !reflect.DeepEqual(got, []string{"dev-tools"}) {
		t.Errorf("SearchSets(DEV) = %v", got)
	}
	if got := l.SearchSets("operations"); !reflect.DeepEqual(got, []string{"ops"}) {
		t.Errorf("SearchSets(operations) = %v", got)
	}
}

func TestSetAuthPersistsAndChangesHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	l.Add(ServerConfig{Name: "tracker", Type: TransportHTTP, URL: "http://localhost:9000", Enabled: true})
	before, _ := l.Get("tracker")

	if l.SetAuth("ghost", "tok") {
		t.Error("expected SetAuth on unknown server to report false")
	}
	if !l.SetAuth("tracker", "secret-token") {
		t.Fatal("SetAuth failed")
	}
	after, _ := l.Get("tracker")
	if after.Auth != "secret-token" {
		t.Errorf("Auth = %q, want secret-token", after.Auth)
	}
	if before.Hash() == after.Hash() {
		t.Error("expected credential change to change the config hash")
	}

	if err := l.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	got, ok := reloaded.Get("tracker")
	if !ok || got.Auth != "secret-token" {
		t.Errorf("reloaded Auth = %q, want secret-token", got.Auth)
	}
}
