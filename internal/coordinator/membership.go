package coordinator

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridcoord/internal/cluster"
)

// member is one registered follower and the link the leader talks to it on.
type member struct {
	addr cluster.Address
	link *cluster.Conn
}

// BroadcastResult reports the outcome of pushing the node list to one
// follower.
type BroadcastResult struct {
	Err  error
	Node cluster.Address
}

// Membership is the leader's registry of live followers.
//
// Every change (a follower joining, replacing its old link, or being
// removed) is followed by a SYNC_NODE_LIST push to every follower still
// registered, so all followers converge on the same view:
//
//	┌──────────────────────────────────────┐
//	│            Membership                │
//	├──────────────────────────────────────┤
//	│  members: host:port → link           │
//	│  leader:  fixed first record         │
//	│  mu:      RWMutex                    │
//	├──────────────────────────────────────┤
//	│  Add / Remove → Snapshot → Broadcast │
//	└──────────────────────────────────────┘
//
// Sends happen outside the lock; a slow or dead follower never blocks
// registration of another.
type Membership struct {
	members map[cluster.Address]*member
	log     hclog.Logger
	leader  cluster.Address
	mu      sync.RWMutex
}

// NewMembership creates an empty registry. leader is listed first in every
// snapshot.
func NewMembership(leader cluster.Address, logger hclog.Logger) *Membership {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Membership{
		members: make(map[cluster.Address]*member),
		leader:  leader,
		log:     logger,
	}
}

// Add registers a follower reachable over link and pushes the new list.
//
// A follower that registers again under the same address replaces its
// previous entry; the previous link is closed so the stale session ends.
func (m *Membership) Add(addr cluster.Address, link *cluster.Conn) []BroadcastResult {
	m.mu.Lock()
	old := m.members[addr]
	m.members[addr] = &member{addr: addr, link: link}
	m.mu.Unlock()

	if old != nil && old.link != link {
		m.log.Info("follower re-registered, closing previous link", "follower", addr)
		old.link.Close()
	}
	m.log.Info("follower registered", "follower", addr, "followers", m.Len())
	return m.Broadcast()
}

// Remove unregisters addr if it is still bound to link and pushes the new
// list. It reports whether anything was removed. Matching on the link keeps
// a late cleanup of a replaced session from removing its successor.
func (m *Membership) Remove(addr cluster.Address, link *cluster.Conn) bool {
	m.mu.Lock()
	cur, ok := m.members[addr]
	if !ok || cur.link != link {
		m.mu.Unlock()
		return false
	}
	delete(m.members, addr)
	m.mu.Unlock()

	m.log.Info("follower removed", "follower", addr, "followers", m.Len())
	m.Broadcast()
	return true
}

// Contains reports whether addr is registered.
func (m *Membership) Contains(addr cluster.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[addr]
	return ok
}

// Len returns the number of registered followers.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Snapshot returns the current node list: the leader first, followers after
// it ordered by address.
func (m *Membership) Snapshot() cluster.NodeList {
	m.mu.RLock()
	list := m.snapshotLocked()
	m.mu.RUnlock()
	return list
}

func (m *Membership) snapshotLocked() cluster.NodeList {
	followers := make([]cluster.NodeRecord, 0, len(m.members))
	for addr := range m.members {
		followers = append(followers, cluster.NodeRecord{Role: cluster.RoleFollower, Address: addr})
	}
	slices.SortFunc(followers, func(a, b cluster.NodeRecord) int {
		if c := strings.Compare(a.Address.Host, b.Address.Host); c != 0 {
			return c
		}
		return int(a.Address.Port) - int(b.Address.Port)
	})

	list := make(cluster.NodeList, 0, len(followers)+1)
	list = append(list, cluster.NodeRecord{Role: cluster.RoleLeader, Address: m.leader})
	return append(list, followers...)
}

// Broadcast sends the current node list to every registered follower in
// parallel and waits for all sends to finish. A failed send is reported but
// does not remove the follower; the heartbeat detector owns that decision.
func (m *Membership) Broadcast() []BroadcastResult {
	m.mu.RLock()
	list := m.snapshotLocked()
	targets := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		targets = append(targets, mem)
	}
	m.mu.RUnlock()

	results := make([]BroadcastResult, len(targets))
	var wg sync.WaitGroup
	for i, mem := range targets {
		wg.Add(1)
		go func(i int, mem *member) {
			defer wg.Done()
			msg := cluster.NewMessage(cluster.TypeSyncNodeList, m.leader, mem.addr, list)
			err := mem.link.Send(msg)
			if err != nil {
				m.log.Warn("node list push failed", "follower", mem.addr, "error", err)
			}
			results[i] = BroadcastResult{Node: mem.addr, Err: err}
		}(i, mem)
	}
	wg.Wait()
	return results
}
