// Command gridnode runs one participant of a gridcoord cluster.
//
//	gridnode leader     serve followers and clients, decide every move
//	gridnode follower   join the leader and relay clients to it
//	gridnode client     walk one client to its destination
//	gridnode swarm      release many clients at once and time them
//
// Configuration comes from defaults, an optional YAML file (--config) and
// GRIDNODE_* environment variables; flags override all three.
//
// Example, the reference deployment on one machine:
//
//	gridnode leader
//	gridnode follower --host 127.0.0.2
//	gridnode follower --host 127.0.0.3
//	gridnode swarm --clients 52
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
