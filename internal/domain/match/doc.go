// Package match implements per-connection broadcast subscriptions.
//
// A connection that wants broadcast or kernel-notification traffic
// installs match entries keyed by a caller-chosen cookie. Each entry is a
// conjunction of conditions; a message is delivered when any entry
// matches. Evaluation happens under a read lock on the send path, entry
// add/remove takes the write lock.
//
// Core Types:
//   - DB: Per-connection match database
//   - Entry: One subscription, a conjunction of conditions
//   - Filter: Bloom filter over message content keys
//
// Features:
//   - Sender-id and sender-name conditions
//   - Bloom mask conditions checked against the sender's filter
//   - Kernel notification matching by item kind, name and id
//
// Bloom bit positions derive from BLAKE3 extended output over the key.
package match
