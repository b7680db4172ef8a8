// Package router is the broker facade over the lifecycle manager, catalog
// store, and searcher.
//
// Clients talk to six broker tools instead of N tool servers: discover
// actions, read one action's schema, execute, search one server's docs,
// search the whole catalog, and manage server lifecycle. The same operation
// set and error taxonomy are served over stdio, plain HTTP, and SSE.
package router
