// Package stores provides SQLite-backed persistence for the harness: the
// queryable artifact collection index and the bounded cleanup operation log.
// The database lives under the Kiln base directory; no shared database
// server is assumed.
package stores
