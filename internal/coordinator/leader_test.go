package coordinator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcoord/internal/cluster"
	"github.com/dreamware/gridcoord/internal/grid"
)

type testLeader struct {
	*Leader
	followerEP cluster.Address
	clientEP   cluster.Address
}

func testPolicy(t *testing.T) *cluster.AdmissionPolicy {
	t.Helper()
	p, err := cluster.NewAdmissionPolicy([]string{"127.0.0.0/24"}, []string{"127.0.1.0/24"})
	require.NoError(t, err)
	return p
}

func listen(t *testing.T) (net.Listener, cluster.Address) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := cluster.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	return ln, addr
}

// startLeader runs a leader on two loopback listeners until the test ends.
func startLeader(t *testing.T, hb HeartbeatConfig) *testLeader {
	t.Helper()
	fl, followerEP := listen(t)
	cl, clientEP := listen(t)

	l := NewLeader(Config{
		Self:           followerEP,
		ClientEndpoint: clientEP,
		Policy:         testPolicy(t),
		Heartbeat:      hb,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, fl, cl) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &testLeader{Leader: l, followerEP: followerEP, clientEP: clientEP}
}

func quietHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{Interval: time.Hour, Timeout: time.Second}
}

// register dials endpoint and sends INITIALIZE advertising self.
func register(t *testing.T, endpoint, self cluster.Address) (*cluster.Conn, cluster.Message) {
	t.Helper()
	c, err := cluster.Dial(withTimeout(t), endpoint, cluster.Options{Local: self})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	reply, err := c.Request(withTimeout(t), cluster.NewMessage(cluster.TypeInitialize, self, endpoint, self))
	require.NoError(t, err)
	return c, reply
}

func navigate(t *testing.T, c *cluster.Conn, from, to cluster.Coordinate) cluster.Message {
	t.Helper()
	msg := cluster.NewMessage(cluster.TypeNavigation, c.Local(), cluster.Address{}, cluster.Route{Current: from, Destination: to})
	reply, err := c.Request(withTimeout(t), msg)
	require.NoError(t, err)
	return reply
}

func TestLeaderAdmitsFollower(t *testing.T) {
	l := startLeader(t, quietHeartbeat())

	link, reply := register(t, l.followerEP, follower1)
	require.Equal(t, cluster.TypeSuccess, reply.Type, reply.TextPayload())
	assert.Contains(t, reply.TextPayload(), "registered 127.0.0.2:200 as follower")

	msg, err := link.Receive()
	require.NoError(t, err)
	require.Equal(t, cluster.TypeSyncNodeList, msg.Type)
	list, err := msg.NodeListPayload()
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeList{
		{Role: cluster.RoleLeader, Address: l.followerEP},
		{Role: cluster.RoleFollower, Address: follower1},
	}, list)
	assert.True(t, l.Members().Contains(follower1))
}

func TestLeaderRejectsFollowerOutsideRange(t *testing.T) {
	l := startLeader(t, quietHeartbeat())

	_, reply := register(t, l.followerEP, client1)
	require.Equal(t, cluster.TypeError, reply.Type)
	assert.Contains(t, reply.TextPayload(), l.clientEP.String())
	assert.Equal(t, 0, l.Members().Len())
}

func TestLeaderRejectsFollowerOnClientEndpoint(t *testing.T) {
	l := startLeader(t, quietHeartbeat())

	_, reply := register(t, l.clientEP, follower1)
	require.Equal(t, cluster.TypeError, reply.Type)
	assert.Contains(t, reply.TextPayload(), l.followerEP.String())
}

func TestLeaderRequiresInitialize(t *testing.T) {
	l := startLeader(t, quietHeartbeat())

	c, err := cluster.Dial(withTimeout(t), l.followerEP, cluster.Options{Local: follower1})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Request(withTimeout(t), cluster.NewMessage(cluster.TypeHeartbeat, follower1, l.followerEP, nil))
	require.NoError(t, err)
	assert.Equal(t, cluster.TypeError, reply.Type)
	assert.Equal(t, 0, l.Members().Len())
}

func TestLeaderNavigation(t *testing.T) {
	l := startLeader(t, quietHeartbeat())
	c, reply := register(t, l.clientEP, client1)
	require.Equal(t, cluster.TypeSuccess, reply.Type)

	reply = navigate(t, c, cluster.C(1, 10), cluster.C(50, 5))
	require.Equal(t, cluster.TypeSuccess, reply.Type, reply.TextPayload())
	next, err := reply.CoordinatePayload()
	require.NoError(t, err)
	assert.Equal(t, cluster.C(2, 10), next)

	pos, ok := l.Area().PositionOf(client1)
	require.True(t, ok)
	assert.Equal(t, cluster.C(2, 10), pos)

	reply = navigate(t, c, cluster.C(49, 5), cluster.C(50, 5))
	require.Equal(t, cluster.TypeSuccess, reply.Type)
	_, ok = l.Area().PositionOf(client1)
	assert.False(t, ok, "arrived occupant leaves the grid")

	reply = navigate(t, c, cluster.C(50, 5), cluster.C(50, 5))
	assert.Equal(t, cluster.TypeError, reply.Type)
	assert.Equal(t, "move not possible", reply.TextPayload())
}

func TestLeaderRejectsControlMessagesFromClients(t *testing.T) {
	l := startLeader(t, quietHeartbeat())
	c, _ := register(t, l.clientEP, client1)

	for _, typ := range []cluster.MessageType{cluster.TypeInitialize, cluster.TypeHeartbeat} {
		var p cluster.Payload
		if typ == cluster.TypeInitialize {
			p = client1
		}
		reply, err := c.Request(withTimeout(t), cluster.NewMessage(typ, client1, l.clientEP, p))
		require.NoError(t, err)
		assert.Equal(t, cluster.TypeError, reply.Type, typ.String())
	}
}

// TestLeaderClientRace sends two clients at the same cell at once. Exactly
// one of them may get it.
func TestLeaderClientRace(t *testing.T) {
	l := startLeader(t, quietHeartbeat())
	a, _ := register(t, l.clientEP, client1)
	b, _ := register(t, l.clientEP, client2)

	var wg sync.WaitGroup
	replies := make([]cluster.Message, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		replies[0] = navigate(t, a, cluster.C(0, 0), cluster.C(5, 0))
	}()
	go func() {
		defer wg.Done()
		replies[1] = navigate(t, b, cluster.C(2, 0), cluster.C(-5, 0))
	}()
	wg.Wait()

	won := 0
	for _, r := range replies {
		if r.Type == cluster.TypeSuccess {
			won++
			c, err := r.CoordinatePayload()
			require.NoError(t, err)
			assert.Equal(t, cluster.C(1, 0), c)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 2, l.Area().Len())
}

func TestLeaderEvictsOnDisconnect(t *testing.T) {
	l := startLeader(t, quietHeartbeat())
	c, _ := register(t, l.clientEP, client1)

	navigate(t, c, cluster.C(1, 10), cluster.C(50, 5))
	require.Equal(t, 1, l.Area().Len())

	c.Close()
	require.Eventually(t, func() bool { return l.Area().Len() == 0 }, time.Second, 5*time.Millisecond)
}

// TestLeaderHeartbeatLoss registers a healthy and a silent follower. The
// silent one is dropped and the healthy one learns about it.
func TestLeaderHeartbeatLoss(t *testing.T) {
	l := startLeader(t, HeartbeatConfig{Interval: 25 * time.Millisecond, Timeout: 100 * time.Millisecond, MaxFailures: 1})

	_, reply := register(t, l.followerEP, follower1)
	require.Equal(t, cluster.TypeSuccess, reply.Type)

	healthy, reply := register(t, l.followerEP, follower2)
	require.Equal(t, cluster.TypeSuccess, reply.Type)

	lists := make(chan cluster.NodeList, 16)
	routes := followerRoutes()
	routes.SyncNodeList = func(_ *cluster.Conn, m cluster.Message) {
		if list, err := m.NodeListPayload(); err == nil {
			lists <- list
		}
	}
	go healthy.Serve(routes)

	want := cluster.NodeList{
		{Role: cluster.RoleLeader, Address: l.followerEP},
		{Role: cluster.RoleFollower, Address: follower2},
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case list := <-lists:
			if assert.ObjectsAreEqual(want, list) {
				assert.False(t, l.Members().Contains(follower1))
				assert.True(t, l.Members().Contains(follower2))
				return
			}
		case <-deadline:
			t.Fatal("healthy follower never saw the silent one removed")
		}
	}
}

func TestNavigate(t *testing.T) {
	newLeader := func() *Leader {
		return NewLeader(Config{Self: leaderAddr, Bounds: grid.Bounds{}}, nil)
	}

	t.Run("unknown occupant is placed at its start", func(t *testing.T) {
		l := newLeader()
		next, err := l.Navigate(client1, cluster.Route{Current: cluster.C(1, 10), Destination: cluster.C(50, 5)})
		require.NoError(t, err)
		assert.Equal(t, cluster.C(2, 10), next)
	})

	t.Run("start cell held by another occupant", func(t *testing.T) {
		l := newLeader()
		require.NoError(t, l.Area().Place(client2, cluster.C(1, 10)))
		_, err := l.Navigate(client1, cluster.Route{Current: cluster.C(1, 10), Destination: cluster.C(50, 5)})
		assert.ErrorIs(t, err, ErrMoveNotPossible)
		_, ok := l.Area().PositionOf(client1)
		assert.False(t, ok)
	})

	t.Run("requester position wins over the stored one", func(t *testing.T) {
		l := newLeader()
		require.NoError(t, l.Area().Place(client1, cluster.C(0, 0)))
		next, err := l.Navigate(client1, cluster.Route{Current: cluster.C(4, 4), Destination: cluster.C(4, 0)})
		require.NoError(t, err)
		assert.Equal(t, cluster.C(4, 3), next)
		_, ok := l.Area().OccupantAt(cluster.C(0, 0))
		assert.False(t, ok)
	})

	t.Run("boxed in", func(t *testing.T) {
		l := newLeader()
		require.NoError(t, l.Area().Place(client2, cluster.C(2, 10)))
		require.NoError(t, l.Area().Place(cluster.Address{Host: "127.0.1.3", Port: 200}, cluster.C(1, 9)))
		next, err := l.Navigate(client1, cluster.Route{Current: cluster.C(1, 10), Destination: cluster.C(50, 5)})
		assert.ErrorIs(t, err, ErrMoveNotPossible)
		assert.Equal(t, cluster.C(1, 10), next)
		pos, ok := l.Area().PositionOf(client1)
		require.True(t, ok, "a blocked occupant keeps its cell")
		assert.Equal(t, cluster.C(1, 10), pos)
	})

	t.Run("already at destination", func(t *testing.T) {
		l := newLeader()
		_, err := l.Navigate(client1, cluster.Route{Current: cluster.C(3, 3), Destination: cluster.C(3, 3)})
		assert.ErrorIs(t, err, ErrMoveNotPossible)
		assert.Equal(t, 0, l.Area().Len())
	})
}

// cancellingListener fails Accept after cancelling the serving context, so
// the accept loop ends with a nil error while Serve may still be selecting.
type cancellingListener struct {
	cancel context.CancelFunc
}

func (l cancellingListener) Accept() (net.Conn, error) {
	l.cancel()
	return nil, net.ErrClosed
}

func (cancellingListener) Close() error { return nil }

func (cancellingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 200}
}

func TestLeaderServeReturnsWhenAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		cl, clientEP := listen(t)
		l := NewLeader(Config{
			Self:           leaderAddr,
			ClientEndpoint: clientEP,
			Policy:         testPolicy(t),
			Heartbeat:      quietHeartbeat(),
		}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- l.Serve(ctx, cancellingListener{cancel: cancel}, cl) }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("Serve hung on iteration %d", i)
		}
		cancel()
	}
}
