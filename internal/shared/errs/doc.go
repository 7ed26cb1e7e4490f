// Package errs defines the error kinds surfaced at the engine boundary.
//
// Every engine operation reports failure as one of the sentinel errors
// below, optionally wrapped with context via fmt.Errorf("...: %w", err).
// Callers classify failures with errors.Is, never by string matching.
//
// Propagation rules:
//   - Unicast failures propagate to the sender.
//   - Per-receiver failures during broadcast and eavesdrop are swallowed.
//   - Kernel-notification enqueue failures are logged, never propagated.
//   - Policy denial at a custom endpoint is reported as ErrNotFound so the
//     existence of a name is not leaked.
package errs
