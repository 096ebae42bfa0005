// Package isolation allocates non-overlapping resources to concurrently
// running test environments: an exclusive slot ID bounded by the concurrency
// limit, a disjoint set of host ports, a dedicated work directory, and an
// optional network namespace. Acquisition is atomic as a unit, so a caller
// never observes a slot without its paired ports. Release is the exact
// inverse, idempotent, and safe after crashes via the orphan sweep.
package isolation
