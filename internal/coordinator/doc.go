// Package coordinator implements the leader of a gridcoord cluster: the
// single process that owns the grid, decides every move, and keeps the
// follower membership list.
//
// # Overview
//
// Clients never talk to each other. They either register with the leader
// directly or with any follower, which proxies their NAVIGATION requests to
// the leader over a standing link. The leader answers each request with the
// next cell the client may step onto, or with ERROR "move not possible".
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│               LEADER                │
//	├─────────────────────────────────────┤
//	│  follower listener   client listener│
//	│        │                    │       │
//	│  ┌─────▼──────┐      ┌──────▼─────┐ │
//	│  │ Admitter   │      │ Admitter   │ │
//	│  │ (follower) │      │ (client)   │ │
//	│  └─────┬──────┘      └──────┬─────┘ │
//	│        │                    │       │
//	│  ┌─────▼──────┐             │       │
//	│  │ Membership │◄─ Detector  │       │
//	│  └────────────┘   per link  │       │
//	│        │                    │       │
//	│  ┌─────▼────────────────────▼─────┐ │
//	│  │    Navigate → grid.Planner     │ │
//	│  │            → grid.Area         │ │
//	│  └────────────────────────────────┘ │
//	└─────────────────────────────────────┘
//
// # Core Components
//
// Membership: registry of live followers
//   - keyed by advertised address, one link per follower
//   - re-registration replaces the previous link and closes it
//   - every change is pushed as SYNC_NODE_LIST to all followers
//
// Detector: heartbeat failure detector, one per follower link
//   - sends HEARTBEAT every interval and waits a bounded time for ACK
//   - after MaxFailures misses closes the link and drops the follower
//
// Leader: listeners, admission and navigation
//   - admits followers and clients by address range
//   - answers NAVIGATION on both kinds of link
//   - releases the cells of clients whose link went away
//
// # Navigation
//
// The requester states where it stands and where it wants to go:
//
//	NAVIGATION (1,10)→(50,5)  ──►  SUCCESS (2,10)
//	NAVIGATION (2,10)→(50,5)  ──►  SUCCESS (3,10)
//	...
//	NAVIGATION (49,5)→(50,5)  ──►  SUCCESS (50,5)   occupant leaves the grid
//
// A request whose start cell is taken by someone else, or whose occupant is
// boxed in, is answered with ERROR. The grid is the only record of where an
// occupant stands; the leader keeps no other copy.
//
// # Concurrency
//
// Each connection runs on its own goroutine and each detector on another.
// Membership and the grid are the only shared state and both lock
// internally; no lock is held across network I/O. Serve tracks every
// accepted connection so shutdown can close them and wait for all handler
// goroutines to exit.
package coordinator
