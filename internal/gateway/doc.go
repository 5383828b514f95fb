// Package gateway assembles the messaging server.
//
// New wires the SQLite store, presence tracker, connection registry,
// conversation router, sequencer, dedupe cache, and delivery coordinator
// behind a chi router serving the WebSocket endpoint and the JSON API.
// Run serves until the context is canceled, sweeping stale connections in
// the background, then shuts everything down in dependency order.
package gateway
