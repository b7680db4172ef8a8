package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transport types for configured servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ServerConfig describes how to reach one tool server. Stdio servers are
// launched as subprocesses; http and sse servers are dialed at the given URL.
type ServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Type    string            `json:"type,omitempty" yaml:"type,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth    string            `json:"auth,omitempty" yaml:"auth,omitempty"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
}

// Hash returns a stable digest of the launch-relevant fields. Two configs
// with the same hash launch identical servers, so a matching hash lets a
// cached catalog entry be reused across sessions.
func (c ServerConfig) Hash() string {
	h := sha256.New()
	h.Write([]byte(c.Name))
	h.Write([]byte{0})
	h.Write([]byte(c.Type))
	h.Write([]byte{0})
	h.Write([]byte(c.Command))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(c.Args, "\x01")))
	h.Write([]byte{0})
	writeSortedMap(h, c.Env)
	h.Write([]byte(c.URL))
	h.Write([]byte{0})
	writeSortedMap(h, c.Headers)
	h.Write([]byte(c.Auth))
	h.Write([]byte{0})
	return hex.EncodeToString(h.Sum(nil))
}

func writeSortedMap(h interface{ Write(p []byte) (int, error) }, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(m[k]))
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
}

// List holds the configured servers and named server sets backed by a config
// file. It is safe for concurrent use; Reload replaces the in-memory view
// without disturbing callers holding previously returned copies.
type List struct {
	mu      sync.RWMutex
	path    string
	servers map[string]ServerConfig
	sets    map[string]Set
}

// fileFormat mirrors the on-disk layout: {"mcp": {"servers": {...}, "sets": {...}}}.
// Server entries omit the name field; the map key is the name.
type fileFormat struct {
	MCP fileMCP `json:"mcp" yaml:"mcp"`
}

type fileMCP struct {
	Servers map[string]fileServer `json:"servers" yaml:"servers"`
	Sets    map[string]Set        `json:"sets,omitempty" yaml:"sets,omitempty"`
}

type fileServer struct {
	Type    string            `json:"type,omitempty" yaml:"type,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth    string            `json:"auth,omitempty" yaml:"auth,omitempty"`
	Enabled *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Load reads the config file at path. A missing file yields an empty list
// bound to that path, so first-run setups can Add servers and Save.
// YAML is selected by a .yaml or .yml extension; everything else parses as JSON.
func Load(path string) (*List, error) {
	l := &List{
		path:    path,
		servers: make(map[string]ServerConfig),
		sets:    make(map[string]Set),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var ff fileFormat
	if isYAML(path) {
		err = yaml.Unmarshal(data, &ff)
	} else {
		err = json.Unmarshal(data, &ff)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for name, fs := range ff.MCP.Servers {
		l.servers[name] = fs.toConfig(name)
	}
	for name, set := range ff.MCP.Sets {
		l.sets[name] = set
	}
	return l, nil
}

func isYAML(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (fs fileServer) toConfig(name string) ServerConfig {
	typ := fs.Type
	if typ == "" {
		if fs.URL != "" {
			typ = TransportSSE
		} else {
			typ = TransportStdio
		}
	}
	enabled := true
	if fs.Enabled != nil {
		enabled = *fs.Enabled
	}
	return ServerConfig{
		Name:    name,
		Type:    typ,
		Command: fs.Command,
		Args:    fs.Args,
		Env:     fs.Env,
		URL:     fs.URL,
		Headers: fs.Headers,
		Auth:    fs.Auth,
		Enabled: enabled,
	}
}

// Save writes the current state back to the config file. The write goes
// through a temp file and rename so a crash never leaves a truncated config.
func (l *List) Save() error {
	l.mu.RLock()
	ff := fileFormat{MCP: fileMCP{
		Servers: make(map[string]fileServer, len(l.servers)),
		Sets:    make(map[string]Set, len(l.sets)),
	}}
	for name, cfg := range l.servers {
		enabled := cfg.Enabled
		ff.MCP.Servers[name] = fileServer{
			Type:    cfg.Type,
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Auth:    cfg.Auth,
			Enabled: &enabled,
		}
	}
	for name, set := range l.sets {
		ff.MCP.Sets[name] = set
	}
	path := l.path
	l.mu.RUnlock()

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(ff)
	} else {
		data, err = json.MarshalIndent(ff, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Reload re-reads the config file and replaces the in-memory view.
// It returns the names of servers whose config changed or disappeared,
// so callers can decide which live connections are affected.
func (l *List) Reload() ([]string, error) {
	fresh, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var affected []string
	for name, old := range l.servers {
		cur, ok := fresh.servers[name]
		if !ok || cur.Hash() != old.Hash() || cur.Enabled != old.Enabled {
			affected = append(affected, name)
		}
	}
	l.servers = fresh.servers
	l.sets = fresh.sets
	sort.Strings(affected)
	return affected, nil
}

// Get returns the config for a named server.
func (l *List) Get(name string) (ServerConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.servers[name]
	return cfg, ok
}

// Servers returns all configured servers sorted by name.
func (l *List) Servers(enabledOnly bool) []ServerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ServerConfig, 0, len(l.servers))
	for _, cfg := range l.servers {
		if enabledOnly && !cfg.Enabled {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add inserts or replaces a server config. Returns false if an identical
// config was already present.
func (l *List) Add(cfg ServerConfig) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.servers[cfg.Name]; ok && old.Hash() == cfg.Hash() && old.Enabled == cfg.Enabled {
		return false
	}
	l.servers[cfg.Name] = cfg
	return true
}

// Remove deletes a server config and drops it from any sets.
func (l *List) Remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.servers[name]; !ok {
		return false
	}
	delete(l.servers, name)
	for setName, set := range l.sets {
		set.Servers = removeString(set.Servers, name)
		l.sets[setName] = set
	}
	return true
}

// SetAuth stores a credential on a server config. The credential feeds the
// transport at connect time: an Authorization header for http and sse
// servers, an environment entry for stdio servers.
func (l *List) SetAuth(name, auth string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.servers[name]
	if !ok {
		return false
	}
	cfg.Auth = auth
	l.servers[name] = cfg
	return true
}

// SetEnabled flips the enabled flag on a server config.
func (l *List) SetEnabled(name string, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.servers[name]
	if !ok {
		return false
	}
	cfg.Enabled = enabled
	l.servers[name] = cfg
	return true
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
