// Package meta implements metadata snapshots attached to messages.
//
// A Source holds the facts known about a connection's creator, captured
// at Hello time or installed by a privileged owner. A Snapshot freezes a
// subset of those facts at send time; during broadcast fan-out the same
// snapshot grows monotonically as receivers ask for more classes, it
// never shrinks.
//
// Export applies three gates:
//   - the receiver's requested attach classes,
//   - the namespace gate: identity-bearing classes are withheld when the
//     observer's namespaces differ from the source's,
//   - the faked-source restriction: an installed owner identity carries
//     only its supplied credentials and security label, with names and
//     the connection description appended live.
//
// Names and the connection description are never frozen; callers pass
// them at export time so the observer sees current state.
package meta
