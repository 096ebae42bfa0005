// Package cleanup discovers live and stale test environments, including
// ones orphaned by crashed prior runs, and performs best-effort teardown
// under age and disk-quota limits. Discovery works from the filesystem and
// the container runtime/VM process table, never from the in-process
// registry, so it survives controller restarts. Cleanup errors are
// recorded in the operation log but never raised out of teardown paths.
package cleanup
