// Package harness is the root orchestrator. It composes resource
// acquisition, fixture setup, provisioning, health gating, idempotency
// validation, and artifact collection into one run per named environment,
// and groups concurrent runs into sessions. All registries live on the
// manager; there are no package-level singletons, so independent managers
// never interfere.
package harness
