// Package bus implements the message bus engine.
//
// The object tree is Domain -> Bus -> Endpoint -> Connection. A domain
// owns buses and per-user quota accounting; a bus owns its connection
// table, name registry, policy database and notification list; endpoints
// are attach points that may carry their own policy; connections are the
// clients, each with a receive queue backed by a pool.
//
// Core Types:
//   - Domain: Top-level container and quota accountant
//   - Bus: One message bus with names, policy and notifications
//   - Endpoint: Attach point, default or custom with local policy
//   - Connection: One client with queue, pool, matches and replies
//   - Reply: Tracker for an expected reply with a deadline
//
// Locking follows the tree: domain before bus before endpoint before
// name registry before connection. Connection liveness uses an active
// reference barrier so a disconnect waits for in-flight operations
// without blocking new ones from failing fast.
//
// Failure propagation: unicast failures reach the sender; per-receiver
// failures during broadcast and eavesdrop are swallowed and counted;
// notification enqueue failures are logged, never propagated.
package bus
