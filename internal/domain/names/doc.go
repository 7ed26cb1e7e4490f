// Package names implements the well-known name registry of a bus.
//
// A name has at most one owner, an optional activator standing in for a
// not-yet-running implementor, and a queue of waiters. Every first
// acquisition stamps the name with a fresh name id from the registry's
// counter; the id survives ownership changes and tags queued messages so
// they can follow the name during activator handoff.
//
// Core Types:
//   - Registry: Per-bus name table
//   - Change: One ownership transition to be broadcast
//   - Transfer: A handoff directing queued messages to a new owner
//
// Mutating calls return the resulting Changes and Transfers instead of
// emitting them; the engine owns notification fan-out and message moves.
//
// Ordering rules:
//   - Waiters are served in arrival order.
//   - A displaced owner that asked to queue joins at the tail.
//   - Waiters beat the activator when an owner goes away; the name is
//     removed only when neither exists.
package names
