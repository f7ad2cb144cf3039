package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/gridcoord/internal/cluster"
	"github.com/dreamware/gridcoord/internal/grid"
)

// Config holds everything a Leader needs to run.
type Config struct {
	// Self is the follower-facing endpoint. Clients that knock on the
	// follower listener are redirected to ClientEndpoint and vice versa.
	Self           cluster.Address
	ClientEndpoint cluster.Address
	Policy         *cluster.AdmissionPolicy
	Heartbeat      HeartbeatConfig
	Bounds         grid.Bounds
	WriteTimeout   time.Duration
	MaxFrameSize   uint32
}

// Leader is the single authority over the grid and the membership list.
//
// It listens on two endpoints. Followers register on the follower-facing
// one and are then heartbeat-monitored; their links also carry NAVIGATION
// requests proxied on behalf of clients. Clients may register directly on
// the client-facing endpoint. Every navigation decision in the system is
// made here.
type Leader struct {
	area    *grid.Area
	planner *grid.Planner
	members *Membership
	log     hclog.Logger
	conns   map[*cluster.Conn]struct{}
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewLeader creates a leader with an empty grid and no followers.
func NewLeader(cfg Config, logger hclog.Logger) *Leader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	area := grid.NewArea(cfg.Bounds)
	return &Leader{
		cfg:     cfg,
		log:     logger.Named("leader"),
		area:    area,
		planner: grid.NewPlanner(area),
		members: NewMembership(cfg.Self, logger.Named("membership")),
		conns:   make(map[*cluster.Conn]struct{}),
	}
}

// Area exposes the grid, mainly for inspection.
func (l *Leader) Area() *grid.Area { return l.area }

// Members exposes the follower registry.
func (l *Leader) Members() *Membership { return l.members }

// ListenAndServe opens both listeners and serves until ctx is cancelled.
func (l *Leader) ListenAndServe(ctx context.Context) error {
	fl, err := net.Listen("tcp", l.cfg.Self.String())
	if err != nil {
		return fmt.Errorf("listen for followers: %w", err)
	}
	cl, err := net.Listen("tcp", l.cfg.ClientEndpoint.String())
	if err != nil {
		fl.Close()
		return fmt.Errorf("listen for clients: %w", err)
	}
	return l.Serve(ctx, fl, cl)
}

// Serve accepts followers on followerLn and clients on clientLn until ctx
// is cancelled or a listener fails. On return both listeners and every
// accepted connection are closed and all connection goroutines have exited.
// A cancelled ctx yields a nil error.
func (l *Leader) Serve(ctx context.Context, followerLn, clientLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.log.Info("leader listening", "followers", followerLn.Addr().String(), "clients", clientLn.Addr().String())

	errc := make(chan error, 2)
	go func() { errc <- l.acceptLoop(ctx, followerLn, l.cfg.Self, l.handleFollower) }()
	go func() { errc <- l.acceptLoop(ctx, clientLn, l.cfg.ClientEndpoint, l.handleClient) }()

	var err error
	collected := 0
	select {
	case <-ctx.Done():
	case err = <-errc:
		collected++
	}
	cancel()
	followerLn.Close()
	clientLn.Close()
	for ; collected < 2; collected++ {
		if e := <-errc; err == nil {
			err = e
		}
	}

	l.closeAll()
	l.wg.Wait()
	l.log.Info("leader stopped")
	return err
}

func (l *Leader) acceptLoop(ctx context.Context, ln net.Listener, local cluster.Address, handle func(context.Context, *cluster.Conn)) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		c := cluster.NewConn(raw, cluster.Options{
			Local:        local,
			Logger:       l.log,
			WriteTimeout: l.cfg.WriteTimeout,
			MaxFrameSize: l.cfg.MaxFrameSize,
		})
		l.track(c)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(c)
			defer c.Close()
			handle(ctx, c)
		}()
	}
}

// handleFollower admits a follower, monitors it and serves its link until
// either side gives up.
func (l *Leader) handleFollower(ctx context.Context, c *cluster.Conn) {
	admitter := cluster.Admitter{Role: cluster.RoleFollower, Policy: l.cfg.Policy, Redirect: l.cfg.ClientEndpoint}
	addr, err := admitter.Admit(c)
	if err != nil {
		l.log.Info("follower not admitted", "remote", c.RemoteAddr().String(), "error", err)
		return
	}

	seen := newOccupantSet()
	drop := func() { l.dropFollower(addr, c, seen) }

	l.members.Add(addr, c)

	det := NewDetector(c, addr, l.cfg.Heartbeat, l.log.Named("heartbeat"))
	det.SetOnLost(drop)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		det.Start(ctx)
	}()

	err = c.Serve(cluster.Routes{
		Initialize:   cluster.RejectWith("already registered"),
		Heartbeat:    cluster.RejectWith("the leader does not answer HEARTBEAT"),
		SyncNodeList: cluster.RejectWith("the node list is owned by the leader"),
		Navigation:   l.navigationHandler(seen),
	})
	det.Stop()
	l.log.Debug("follower link closed", "follower", addr, "reason", err)
	drop()
}

// handleClient admits a client that connected directly to the leader.
func (l *Leader) handleClient(_ context.Context, c *cluster.Conn) {
	admitter := cluster.Admitter{Role: cluster.RoleClient, Policy: l.cfg.Policy, Redirect: l.cfg.Self}
	addr, err := admitter.Admit(c)
	if err != nil {
		l.log.Info("client not admitted", "remote", c.RemoteAddr().String(), "error", err)
		return
	}
	l.log.Debug("client admitted", "client", addr)

	seen := newOccupantSet()
	err = c.Serve(cluster.Routes{
		Initialize:   cluster.RejectWith("already registered"),
		Heartbeat:    cluster.RejectWith("HEARTBEAT is not valid on a client link"),
		SyncNodeList: cluster.RejectWith("SYNC_NODE_LIST is not valid on a client link"),
		Navigation:   l.navigationHandler(seen),
	})
	l.log.Debug("client link closed", "client", addr, "reason", err)
	l.evict(seen)
}

// dropFollower removes the follower if c is still its registered link and
// releases every cell held by clients that navigated through it. It may run
// twice for one link (heartbeat loss, then receive loop exit).
func (l *Leader) dropFollower(addr cluster.Address, c *cluster.Conn, seen *occupantSet) {
	if l.members.Remove(addr, c) {
		l.log.Info("follower dropped", "follower", addr)
	}
	l.evict(seen)
}

func (l *Leader) evict(seen *occupantSet) {
	for _, occ := range seen.drain() {
		if c, ok := l.area.Evict(occ); ok {
			l.log.Debug("occupant evicted", "occupant", occ, "cell", c.String())
		}
	}
}

func (l *Leader) track(c *cluster.Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Leader) untrack(c *cluster.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *Leader) closeAll() {
	l.mu.Lock()
	conns := make([]*cluster.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
