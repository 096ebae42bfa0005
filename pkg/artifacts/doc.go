// Package artifacts captures diagnostic output from test environments and
// manages the resulting on-disk repository. Failed runs get an expanded
// capture set compressed into a content-addressed archive; successful runs
// keep a minimal uncompressed set. Collections are indexed in SQLite and
// subject to oldest-first storage-limit enforcement.
package artifacts
