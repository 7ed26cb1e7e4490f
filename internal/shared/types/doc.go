// Package types provides the shared wire structures of the bus engine.
//
// This package defines the message, item and credential records exchanged
// between connections, ensuring type safety and consistent data structures
// across the engine, the transport and the tests.
//
// Core Types:
//   - Message: One bus message with addressing, items and payload
//   - Item: Tagged-union record carried by messages and commands
//   - Credentials: Identity snapshot of a connection's creator
//   - BloomParameter: Per-bus bloom filter geometry
//
// Flag Sets:
//   - MsgFlags: ExpectReply, SyncReply, NoAutoStart
//   - AttachFlags: Metadata classes a receiver asks for
//   - HelloFlags: Connection roles and AcceptFDs
//   - NameFlags: Name acquisition and queueing modes
//   - RecvFlags: Drop, Peek, UsePriority
//
// Addressing:
//   - DstBroadcast: Fan-out to every interested connection
//   - DstName: Resolve the destination through a well-known name
//   - SrcKernel: Source id of engine-generated notifications
//
// Example Usage:
//
//	msg := &types.Message{
//	    DstID:  types.DstName,
//	    DstName: "org.example.service",
//	    Cookie: 7,
//	    Flags:  types.MsgExpectReply,
//	    Items:  []types.Item{{Type: types.ItemPayloadVec, Data: payload}},
//	}
package types
