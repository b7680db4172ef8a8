// Package search provides ranked lookup over the persisted tool catalog.
//
// It exists to:
//   - Keep catalog small and dependency-light
//   - Answer discovery queries without touching any live server
//
// # Usage
//
// The primary type is [Searcher]. Feed it the catalog's (server, action)
// documents and query it:
//
//	s := search.NewSearcher()
//	_ = s.Update(docs)
//	results, err := s.Search("create issue", 20)
//
// # Thread Safety
//
// Searcher is safe for concurrent use. It uses an internal RWMutex to
// protect index state and caches the bleve index based on document
// fingerprints, only rebuilding when the document set changes. Rebuilds are
// constructed aside and swapped in whole, so readers never observe a
// half-built index.
//
// # Behavior
//
// Empty queries return the first N documents in server/action order.
// Non-empty queries use BM25 ranking with exact action-name matches pinned
// first and deterministic tie-breaking (score DESC, then server ASC, then
// action ASC).
package search
