// Package cluster provides the wire protocol and connection machinery shared
// by every gridcoord participant: leader, followers and clients.
//
// # Overview
//
// Participants exchange Messages over long-lived TCP streams. A Message has
// a type from a closed enumeration and a payload whose shape is fixed by that
// type. The package owns the envelope, its binary encoding, the per-connection
// engine that reads, dispatches and correlates messages, and the admission
// exchange that runs first on every freshly accepted stream.
//
// # Topology
//
//	          clients                     clients
//	             │                           │
//	             ▼                           ▼
//	   ┌──────────────────┐        ┌──────────────────┐
//	   │    Follower      │        │     Leader       │
//	   │  client listener │───────▶│ follower listener│
//	   │  (proxy only)    │        │ client listener  │
//	   └──────────────────┘        │ grid + planner   │
//	                               │ membership       │
//	                               └──────────────────┘
//
// # Message Types
//
//	INITIALIZE      Address     first message on every link
//	HEARTBEAT       empty       leader → follower liveness probe
//	SYNC_NODE_LIST  NodeList    leader → follower membership push
//	NAVIGATION      Route       client → coordinator, "I am at A, going to B"
//	SUCCESS         Coordinate | Text
//	ERROR           Text
//	ACK             empty       answer to HEARTBEAT
//
// SUCCESS, ERROR and ACK only ever answer a request. When one of them reaches
// the dispatch table instead of a waiting requester it is logged and dropped.
//
// # Wire Format
//
// Each message travels as one frame: a 4-byte big-endian body length and a
// body in protobuf wire format (see codec.go for field numbers). Encoding is
// deterministic, which lets a follower relay the leader's answer to a client
// byte for byte.
//
// # Connection Modes
//
// A Conn is either in handshake mode, where Request writes and then reads
// exactly one answer, or in serving mode, where one receive loop owns all
// reads and routes answers to pending Requests by Message.ReplyTo. The switch
// happens once, when Serve is called.
//
// # Failure Handling
//
//   - Frame or decode failures close the connection; nothing is retried.
//   - A well-framed message whose payload does not match its type is a
//     protocol violation: it is answered with ERROR and the link stays up.
//   - Closing a Conn unblocks its receive loop and every pending Request.
package cluster
