// Package queue implements the per-connection receive queue.
//
// Entries are delivered in (priority descending, arrival ascending)
// order: higher-priority entries first, ties broken by arrival. Arbitrary
// entries can be removed out of order, which the engine uses to consume
// replies, drop entries and transfer queued messages between connections.
//
// Core Types:
//   - Queue: Priority heap with stable arrival ordering
//   - Entry: One queued element with its removal handle
//
// A receive on an empty queue, or one whose front entry fails the
// priority threshold, reports ErrEmpty.
package queue
