// Package policy implements the name access databases.
//
// A database holds (name, principal, access) rules uploaded by policy
// holders or installed at bus creation. Access classes form a ladder:
// OWN implies TALK implies SEE.
//
// Resolution:
//   - Exact name entries beat wildcard entries; among wildcards the
//     longest matching prefix wins. A wildcard entry is a name ending in
//     ".*" and matches every deeper segment.
//   - Within the winning entry the most specific principal wins: a user
//     rule beats a group rule beats a world rule.
//
// Decisions are memoized per asking connection; the cache is purged when
// rules change, a name changes hands or a connection disconnects, since
// any of those can flip a prior verdict.
//
// A database with no rules grants nothing; the engine treats an empty
// database as "no policy installed" and applies its own defaults.
package policy
