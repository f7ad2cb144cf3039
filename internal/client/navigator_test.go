package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcoord/internal/cluster"
	"github.com/dreamware/gridcoord/internal/coordinator"
	"github.com/dreamware/gridcoord/internal/follower"
)

type testCluster struct {
	leader    *coordinator.Leader
	leaderEP  cluster.Address // follower-facing
	clientEP  cluster.Address // leader's client-facing
	followers []cluster.Address
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

// startCluster runs a leader and n followers on loopback until the test
// ends.
func startCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	fl, leaderEP := listen(t)
	cl, clientEP := listen(t)
	leader := coordinator.NewLeader(coordinator.Config{
		Self:           leaderEP,
		ClientEndpoint: clientEP,
		Policy:         testPolicy(t),
		Heartbeat:      coordinator.HeartbeatConfig{Interval: 50 * time.Millisecond, Timeout: time.Second},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var dones []chan error
	t.Cleanup(func() {
		cancel()
		for _, d := range dones {
			<-d
		}
	})

	leaderDone := make(chan error, 1)
	go func() { leaderDone <- leader.Serve(ctx, fl, cl) }()
	dones = append(dones, leaderDone)

	c := &testCluster{leader: leader, leaderEP: leaderEP, clientEP: clientEP}
	for i := 0; i < n; i++ {
		ln, ep := listen(t)
		f := follower.New(follower.Config{
			Self:           cluster.Address{Host: "127.0.0.2", Port: 300 + i},
			ClientEndpoint: ep,
			Leader:         leaderEP,
			Policy:         testPolicy(t),
		}, nil)
		require.NoError(t, f.Join(ctx))
		done := make(chan error, 1)
		go func() { done <- f.Serve(ctx, ln) }()
		dones = append(dones, done)
		c.followers = append(c.followers, ep)
	}
	return c
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNavigatorReachesDestination(t *testing.T) {
	c := startCluster(t, 0)

	nav := NewNavigator(Config{
		Self:        cluster.Address{Host: "127.0.1.1", Port: 200},
		Entry:       c.clientEP,
		Start:       cluster.C(1, 10),
		Destination: cluster.C(5, 7),
	}, nil)
	require.NoError(t, nav.Run(runCtx(t)))

	assert.Equal(t, cluster.C(5, 7), nav.Position())
	assert.Equal(t, 7, nav.Steps())
	assert.Equal(t, 0, c.leader.Area().Len(), "arrived client leaves the grid")
}

func TestNavigatorThroughFollower(t *testing.T) {
	c := startCluster(t, 1)

	nav := NewNavigator(Config{
		Self:        cluster.Address{Host: "127.0.1.1", Port: 200},
		Entry:       c.followers[0],
		Start:       cluster.C(1, 10),
		Destination: cluster.C(4, 10),
	}, nil)
	require.NoError(t, nav.Run(runCtx(t)))
	assert.Equal(t, cluster.C(4, 10), nav.Position())
}

func TestNavigatorNotAdmitted(t *testing.T) {
	c := startCluster(t, 0)

	nav := NewNavigator(Config{
		Self:        cluster.Address{Host: "127.0.0.9", Port: 200},
		Entry:       c.clientEP,
		Start:       cluster.C(0, 0),
		Destination: cluster.C(1, 0),
	}, nil)
	err := nav.Run(runCtx(t))
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Contains(t, err.Error(), c.leaderEP.String())
}

func TestNavigatorStuck(t *testing.T) {
	c := startCluster(t, 0)
	// The only closer cell on the row is taken for good.
	require.NoError(t, c.leader.Area().Place(cluster.Address{Host: "127.0.1.99", Port: 200}, cluster.C(2, 10)))

	nav := NewNavigator(Config{
		Self:          cluster.Address{Host: "127.0.1.1", Port: 200},
		Entry:         c.clientEP,
		Start:         cluster.C(1, 10),
		Destination:   cluster.C(5, 10),
		PollInterval:  time.Millisecond,
		MaxRejections: 3,
	}, nil)
	err := nav.Run(runCtx(t))
	assert.ErrorIs(t, err, ErrStuck)
	assert.Equal(t, cluster.C(1, 10), nav.Position())
	assert.Equal(t, 0, nav.Steps())
}

func TestNavigatorStopsOnCancel(t *testing.T) {
	c := startCluster(t, 0)
	require.NoError(t, c.leader.Area().Place(cluster.Address{Host: "127.0.1.99", Port: 200}, cluster.C(2, 10)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	nav := NewNavigator(Config{
		Self:         cluster.Address{Host: "127.0.1.1", Port: 200},
		Entry:        c.clientEP,
		Start:        cluster.C(1, 10),
		Destination:  cluster.C(5, 10),
		PollInterval: 10 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, nav.Run(ctx), context.DeadlineExceeded)
}

func TestNavigatorAlreadyThere(t *testing.T) {
	c := startCluster(t, 0)
	nav := NewNavigator(Config{
		Self:        cluster.Address{Host: "127.0.1.1", Port: 200},
		Entry:       c.clientEP,
		Start:       cluster.C(3, 3),
		Destination: cluster.C(3, 3),
	}, nil)
	require.NoError(t, nav.Run(runCtx(t)))
	assert.Equal(t, 0, nav.Steps())
}
