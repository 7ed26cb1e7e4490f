// Package pool implements the per-connection receive buffer.
//
// A Pool is a fixed-capacity byte arena carved into Slices. Queued
// messages are serialized into a slice at send time and read back by the
// receiver through the slice's offset handle, so senders never block on
// slow receivers and receivers never see partially written records.
//
// Core Types:
//   - Pool: Fixed-capacity arena with a coalescing free-range index
//   - Slice: One allocation, addressed by its byte offset
//
// Features:
//   - Alloc/Free with neighbor coalescing of free ranges
//   - Publish: marks a slice readable and accounts its bytes
//   - Move: transfers a slice's content into another pool
//   - Copy: duplicates a slice into another pool
//   - Flush: releases every published slice at once
//
// Lookup and allocation use binary search over offset-sorted ranges.
package pool
