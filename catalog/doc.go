// Package catalog persists tool schemas for every configured server, so
// discovery and search keep working when the servers themselves are not
// running.
//
// Each server has at most one Entry holding its ordered tool schemas and a
// freshness token derived from the server's config hash plus every tool's
// content hash. Comparing tokens answers "has anything changed?" without
// re-reading schemas from a live server.
//
// Storage is a single bbolt file. Entries commit atomically; readers see
// either the previous entry or the new one, never a torn write, and the file
// survives process restarts. All persistence failures wrap
// ErrStoreUnavailable so callers can distinguish "no cached data" from
// "the cache is broken".
package catalog
