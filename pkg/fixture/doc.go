// Package fixture provides the execution environment abstraction for the Kiln
// test harness. A fixture is a disposable container or virtual machine that
// exposes a uniform contract for command execution, file transfer, and state
// inspection. Fixtures are never resurrected: once torn down, a retry always
// builds a fresh instance.
//
// Optional behavior (snapshots, deep health probes) is modeled as explicit
// capability interfaces with no-op defaults rather than dynamic probing, so a
// missing capability is visible at the call site instead of silently skipped.
package fixture
