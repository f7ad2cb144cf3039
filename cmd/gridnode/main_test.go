package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcoord/internal/cluster"
	"github.com/dreamware/gridcoord/internal/config"
	"github.com/dreamware/gridcoord/internal/coordinator"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"leader", "follower", "client", "swarm"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestConfigBuilders(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	lc, err := leaderConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cluster.Address{Host: "127.0.0.1", Port: 200}, lc.Self)
	assert.Equal(t, cluster.Address{Host: "127.0.0.1", Port: 201}, lc.ClientEndpoint)
	assert.Equal(t, time.Second, lc.Heartbeat.Interval)
	assert.Equal(t, 1, lc.Heartbeat.MaxFailures)

	fc, err := followerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cluster.Address{Host: "127.0.0.2", Port: 200}, fc.Self)
	assert.Equal(t, cluster.Address{Host: "127.0.0.2", Port: 201}, fc.ClientEndpoint)
	assert.Equal(t, lc.Self, fc.Leader)

	cc, err := clientConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, lc.ClientEndpoint, cc.Entry)
	assert.Equal(t, cluster.C(1, 10), cc.Start)
	assert.Equal(t, cluster.C(50, 5), cc.Destination)

	sc, err := swarmConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, sc.Entries, 3)
	assert.Equal(t, 52, sc.Clients)
	assert.Equal(t, cluster.Address{Host: "127.0.1.1", Port: 200}, sc.Plan(0).Self)
	assert.Equal(t, cfg.Transport.WriteTimeout, sc.Plan(0).WriteTimeout)
	assert.Equal(t, uint32(1<<20), sc.Plan(0).MaxFrameSize)
}

func TestInvalidFlagFailsBeforeRunning(t *testing.T) {
	_, err := execute(t, context.Background(), "leader", "--log-level", "chatty")
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, context.Background(), "leader", "--port", "70000")
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "leader.port")

	// follower and client share flag names; each must reach its own key.
	_, err = execute(t, context.Background(), "follower", "--port", "70000")
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "node.port")

	_, err = execute(t, context.Background(), "follower", "--leader-port", "0")
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "leader.port")
}

func TestClientCommand(t *testing.T) {
	fl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	self, err := cluster.ParseAddress(fl.Addr().String())
	require.NoError(t, err)
	entry, err := cluster.ParseAddress(cl.Addr().String())
	require.NoError(t, err)

	policy, err := cluster.NewAdmissionPolicy([]string{"127.0.0.0/24"}, []string{"127.0.1.0/24"})
	require.NoError(t, err)
	leader := coordinator.NewLeader(coordinator.Config{
		Self:           self,
		ClientEndpoint: entry,
		Policy:         policy,
		Heartbeat:      coordinator.DefaultHeartbeatConfig(),
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan error, 1)
	go func() { done <- leader.Serve(ctx, fl, cl) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	t.Setenv("GRIDNODE_CLIENT_POLL_INTERVAL", "1ms")
	t.Setenv("GRIDNODE_CLIENT_DESTINATION_X", "4")
	t.Setenv("GRIDNODE_CLIENT_DESTINATION_Y", "10")

	out, err := execute(t, ctx, "client",
		"--host", "127.0.1.1",
		"--port", "200",
		"--entry", entry.String(),
		"--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "127.0.1.1:200 arrived at (4,10) in 3 steps\n", out)
	assert.Equal(t, 0, leader.Area().Len())
}
