// Package idempotency validates that applying a recipe twice leaves a
// system unchanged. The protocol is apply, capture state, re-apply,
// capture and diff, then a dry-run probe. Changes reported by the recipe
// engine on the second apply are hard failures; dry-run findings are
// warnings. Failures accumulate on the result rather than aborting the
// remaining steps.
package idempotency
