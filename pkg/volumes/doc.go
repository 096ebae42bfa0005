// Package volumes maps host-side directories into test fixtures and tracks
// their ownership for cleanup. Host paths created by the manager under an
// environment's work directory are "managed" and removed when the environment
// is cleaned up; any other host path is mounted as-is and left untouched.
package volumes
