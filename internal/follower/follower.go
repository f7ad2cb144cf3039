// Package follower implements a follower node: a registered, heartbeat
// answering member of the cluster that accepts clients and relays their
// requests to the leader.
//
// A follower never decides anything about the grid. For every message a
// client sends it performs one request/response round trip with the leader
// over its standing link and hands the leader's reply back, byte for byte:
//
//	client ──NAVIGATION──► follower ──NAVIGATION──► leader
//	client ◄──SUCCESS───── follower ◄──SUCCESS───── leader
package follower

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/gridcoord/internal/cluster"
)

var (
	// ErrJoinRejected is returned by Join when the leader answers the
	// INITIALIZE with ERROR.
	ErrJoinRejected = errors.New("leader rejected registration")

	// ErrLeaderLost is returned by Serve when the leader link closes.
	ErrLeaderLost = errors.New("leader link lost")

	// ErrNotJoined is returned by Serve when Join has not succeeded.
	ErrNotJoined = errors.New("follower has not joined a leader")
)

// reasonLeaderUnavailable is sent to a client whose request could not be
// relayed.
const reasonLeaderUnavailable = "leader unavailable"

// Config holds everything a Follower needs to run.
type Config struct {
	// Self is the address advertised to the leader in INITIALIZE.
	Self cluster.Address
	// ClientEndpoint is where clients connect.
	ClientEndpoint cluster.Address
	// Leader is the leader's follower-facing endpoint. Rejected clients
	// are pointed there.
	Leader       cluster.Address
	Policy       *cluster.AdmissionPolicy
	WriteTimeout time.Duration
	// RequestTimeout bounds each relayed exchange with the leader; 0 waits
	// until the leader answers or the link closes.
	RequestTimeout time.Duration
	MaxFrameSize   uint32
}

// Follower relays client traffic to the leader.
type Follower struct {
	leader *cluster.Conn
	log    hclog.Logger
	conns  map[*cluster.Conn]struct{}
	peers  cluster.NodeList
	cfg    Config
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates a follower. Call Join, then Serve.
func New(cfg Config, logger hclog.Logger) *Follower {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Follower{
		cfg:   cfg,
		log:   logger.Named("follower"),
		conns: make(map[*cluster.Conn]struct{}),
	}
}

// Join connects to the leader, registers, and starts serving the leader
// link in the background: HEARTBEATs are answered with ACK and node lists
// are stored.
func (f *Follower) Join(ctx context.Context) error {
	opts := cluster.Options{
		Local:        f.cfg.Self,
		Logger:       f.log,
		WriteTimeout: f.cfg.WriteTimeout,
		MaxFrameSize: f.cfg.MaxFrameSize,
	}
	link, err := cluster.Dial(ctx, f.cfg.Leader, opts)
	if err != nil {
		return err
	}

	req := cluster.NewMessage(cluster.TypeInitialize, f.cfg.Self, f.cfg.Leader, f.cfg.Self)
	reply, err := link.Request(ctx, req)
	if err != nil {
		link.Close()
		return fmt.Errorf("register with %s: %w", f.cfg.Leader, err)
	}
	if reply.Type != cluster.TypeSuccess {
		link.Close()
		return fmt.Errorf("%w: %s", ErrJoinRejected, reply.TextPayload())
	}

	f.mu.Lock()
	f.leader = link
	f.mu.Unlock()
	f.log.Info("joined leader", "leader", f.cfg.Leader, "reply", reply.TextPayload())

	go func() {
		err := link.Serve(cluster.Routes{
			Initialize:   cluster.RejectWith("already registered"),
			Heartbeat:    f.ack,
			SyncNodeList: f.storePeers,
			Navigation:   cluster.RejectWith("followers do not answer NAVIGATION"),
		})
		f.log.Warn("leader link closed", "error", err)
	}()
	return nil
}

// Peers returns the last node list pushed by the leader.
func (f *Follower) Peers() cluster.NodeList {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(cluster.NodeList, len(f.peers))
	copy(out, f.peers)
	return out
}

// LeaderDone is closed when the leader link goes away. It is nil before
// Join.
func (f *Follower) LeaderDone() <-chan struct{} {
	if link := f.leaderLink(); link != nil {
		return link.Done()
	}
	return nil
}

// ListenAndServe joins the leader, then accepts clients on the configured
// endpoint.
func (f *Follower) ListenAndServe(ctx context.Context) error {
	if err := f.Join(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", f.cfg.ClientEndpoint.String())
	if err != nil {
		f.leaderLink().Close()
		return fmt.Errorf("listen for clients: %w", err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled, the listener fails,
// or the leader link closes. On return ln, the leader link and all client
// connections are closed. A cancelled ctx yields a nil error.
func (f *Follower) Serve(ctx context.Context, ln net.Listener) error {
	link := f.leaderLink()
	if link == nil {
		ln.Close()
		return ErrNotJoined
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.log.Info("follower accepting clients", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- f.acceptLoop(ctx, ln) }()

	var err error
	acceptDone := false
	select {
	case <-ctx.Done():
	case <-link.Done():
		err = ErrLeaderLost
	case err = <-errc:
		acceptDone = true
	}
	cancel()
	ln.Close()
	if !acceptDone {
		<-errc
	}

	link.Close()
	f.closeAll()
	f.wg.Wait()
	f.log.Info("follower stopped")
	return err
}

func (f *Follower) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		c := cluster.NewConn(raw, cluster.Options{
			Local:        f.cfg.ClientEndpoint,
			Logger:       f.log,
			WriteTimeout: f.cfg.WriteTimeout,
			MaxFrameSize: f.cfg.MaxFrameSize,
		})
		f.track(c)
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer f.untrack(c)
			defer c.Close()
			f.handleClient(c)
		}()
	}
}

func (f *Follower) handleClient(c *cluster.Conn) {
	admitter := cluster.Admitter{Role: cluster.RoleClient, Policy: f.cfg.Policy, Redirect: f.cfg.Leader}
	addr, err := admitter.Admit(c)
	if err != nil {
		f.log.Info("client not admitted", "remote", c.RemoteAddr().String(), "error", err)
		return
	}
	f.log.Debug("client admitted", "client", addr)

	// Response codes keep the default log-and-ignore reaction.
	cell := &lastCell{}
	relay := func(c *cluster.Conn, msg cluster.Message) { f.forward(c, msg, cell) }
	err = c.Serve(cluster.Routes{
		Initialize:   relay,
		Heartbeat:    relay,
		SyncNodeList: relay,
		Navigation:   relay,
	})
	f.log.Debug("client link closed", "client", addr, "reason", err)
	f.release(addr, cell)
}

// lastCell is the grid cell the leader last held for one relayed client.
// It is only touched by that client's receive loop.
type lastCell struct {
	at    cluster.Coordinate
	known bool
}

// observe updates the cell from a relayed NAVIGATION and the leader's
// answer. The leader places the client on route.Current before planning,
// moves it on SUCCESS and drops it once it reaches its destination.
func (l *lastCell) observe(msg, reply cluster.Message) {
	route, err := msg.RoutePayload()
	if err != nil {
		return
	}
	l.at, l.known = route.Current, true
	if reply.Type != cluster.TypeSuccess {
		if route.Current == route.Destination {
			l.known = false
		}
		return
	}
	next, err := reply.CoordinatePayload()
	if err != nil {
		return
	}
	l.at = next
	if next == route.Destination {
		l.known = false
	}
}

// forward relays msg to the leader unchanged and relays the answer back.
func (f *Follower) forward(c *cluster.Conn, msg cluster.Message, cell *lastCell) {
	reply, err := f.relay(msg)
	if err != nil {
		f.log.Warn("relay to leader failed", "type", msg.Type, "client", msg.Sender, "error", err)
		cluster.RejectWith(reasonLeaderUnavailable)(c, msg)
		return
	}
	if msg.Type == cluster.TypeNavigation {
		cell.observe(msg, reply)
	}
	if err := c.Send(reply); err != nil {
		f.log.Debug("relay to client failed", "client", msg.Sender, "error", err)
	}
}

func (f *Follower) relay(msg cluster.Message) (cluster.Message, error) {
	ctx := context.Background()
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}
	return f.leaderLink().Request(ctx, msg)
}

// release frees the cell of a client that went away while still on the
// grid. A NAVIGATION whose current cell is its destination makes the leader
// drop the occupant.
func (f *Follower) release(client cluster.Address, cell *lastCell) {
	if !cell.known {
		return
	}
	route := cluster.Route{Current: cell.at, Destination: cell.at}
	msg := cluster.NewMessage(cluster.TypeNavigation, client, f.cfg.Leader, route)
	if _, err := f.relay(msg); err != nil {
		f.log.Debug("releasing client cell failed", "client", client, "cell", cell.at.String(), "error", err)
		return
	}
	f.log.Debug("client cell released", "client", client, "cell", cell.at.String())
}

func (f *Follower) ack(c *cluster.Conn, msg cluster.Message) {
	if err := c.Reply(msg, cluster.TypeAck, cluster.Empty{}); err != nil {
		f.log.Debug("heartbeat answer failed", "error", err)
	}
}

func (f *Follower) storePeers(_ *cluster.Conn, msg cluster.Message) {
	list, err := msg.NodeListPayload()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.peers = list
	f.mu.Unlock()
	f.log.Debug("node list updated", "nodes", len(list))
}

func (f *Follower) leaderLink() *cluster.Conn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.leader
}

func (f *Follower) track(c *cluster.Conn) {
	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()
}

func (f *Follower) untrack(c *cluster.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

func (f *Follower) closeAll() {
	f.mu.Lock()
	conns := make([]*cluster.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
