package config

import (
	"sort"
	"strings"
)

// Set is a named group of servers. Sets compose: IncludeSets pulls in the
// members of other sets, resolved recursively with cycle protection.
type Set struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Servers     []string `json:"servers,omitempty" yaml:"servers,omitempty"`
	IncludeSets []string `json:"include_sets,omitempty" yaml:"include_sets,omitempty"`
}

// UpsertSet creates or replaces a named set.
func (l *List) UpsertSet(name string, set Set) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets[name] = set
}

// RemoveSet deletes a named set.
func (l *List) RemoveSet(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sets[name]; !ok {
		return false
	}
	delete(l.sets, name)
	return true
}

// GetSet returns the raw definition of a named set.
func (l *List) GetSet(name string) (Set, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.sets[name]
	return set, ok
}

// Sets returns all set definitions keyed by name.
func (l *List) Sets() map[string]Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Set, len(l.sets))
	for name, set := range l.sets {
		out[name] = set
	}
	return out
}

// ResolveSet expands a set to its full member list, following IncludeSets
// recursively. Duplicate members are dropped; inclusion cycles terminate.
// The second return is false if the set does not exist.
func (l *List) ResolveSet(name string) ([]string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.sets[name]; !ok {
		return nil, false
	}
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	var servers []string
	l.resolveSetLocked(name, visited, seen, &servers)
	return servers, true
}

func (l *List) resolveSetLocked(name string, visited, seen map[string]bool, out *[]string) {
	if visited[name] {
		return
	}
	visited[name] = true
	set, ok := l.sets[name]
	if !ok {
		return
	}
	for _, srv := range set.Servers {
		if !seen[srv] {
			seen[srv] = true
			*out = append(*out, srv)
		}
	}
	for _, inc := range set.IncludeSets {
		l.resolveSetLocked(inc, visited, seen, out)
	}
}

// SearchSets returns the names of sets whose name or description contains
// the query, case-insensitively, sorted by name.
func (l *List) SearchSets(query string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q := strings.ToLower(query)
	var matches []string
	for name, set := range l.sets {
		if strings.Contains(strings.ToLower(name), q) ||
			strings.Contains(strings.ToLower(set.Description), q) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	return matches
}
