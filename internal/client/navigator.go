// Package client drives clients across the grid: a Navigator walks one
// client from its start to its destination through any entry point, and
// RunSwarm releases many of them at once.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/gridcoord/internal/cluster"
)

var (
	// ErrNotAdmitted is returned when the entry point refuses the client.
	ErrNotAdmitted = errors.New("client not admitted")

	// ErrStuck is returned after MaxRejections consecutive refused moves.
	ErrStuck = errors.New("client cannot make progress")
)

// Config describes one client.
type Config struct {
	Self        cluster.Address
	Entry       cluster.Address
	Start       cluster.Coordinate
	Destination cluster.Coordinate
	// PollInterval is the pause between two NAVIGATION requests.
	PollInterval time.Duration
	// MaxRejections is the number of consecutive ERROR answers after which
	// the client gives up; 0 retries until the context ends.
	MaxRejections  int
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   uint32
}

// Navigator walks one client to its destination.
type Navigator struct {
	log   hclog.Logger
	cfg   Config
	mu    sync.Mutex
	pos   cluster.Coordinate
	steps int
}

// NewNavigator creates a navigator standing on cfg.Start.
func NewNavigator(cfg Config, logger hclog.Logger) *Navigator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Navigator{
		cfg: cfg,
		log: logger.Named("client").With("client", cfg.Self.String()),
		pos: cfg.Start,
	}
}

// Position returns where the client currently stands.
func (n *Navigator) Position() cluster.Coordinate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos
}

// Steps returns the number of accepted moves so far.
func (n *Navigator) Steps() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.steps
}

// Run registers with the entry point and keeps asking for the next cell
// until the client stands on its destination.
func (n *Navigator) Run(ctx context.Context) error {
	conn, err := cluster.Dial(ctx, n.cfg.Entry, cluster.Options{
		Local:        n.cfg.Self,
		Logger:       n.log,
		WriteTimeout: n.cfg.WriteTimeout,
		MaxFrameSize: n.cfg.MaxFrameSize,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := n.request(ctx, conn, cluster.NewMessage(cluster.TypeInitialize, n.cfg.Self, n.cfg.Entry, n.cfg.Self))
	if err != nil {
		return fmt.Errorf("register with %s: %w", n.cfg.Entry, err)
	}
	if reply.Type != cluster.TypeSuccess {
		return fmt.Errorf("%w by %s: %s", ErrNotAdmitted, n.cfg.Entry, reply.TextPayload())
	}
	n.log.Debug("admitted", "entry", n.cfg.Entry)

	rejections := 0
	for {
		pos := n.Position()
		if pos == n.cfg.Destination {
			n.log.Info("arrived", "destination", pos.String(), "steps", n.Steps())
			return nil
		}

		route := cluster.Route{Current: pos, Destination: n.cfg.Destination}
		reply, err := n.request(ctx, conn, cluster.NewMessage(cluster.TypeNavigation, n.cfg.Self, n.cfg.Entry, route))
		if err != nil {
			return fmt.Errorf("navigate from %s: %w", pos, err)
		}

		switch reply.Type {
		case cluster.TypeSuccess:
			next, err := reply.CoordinatePayload()
			if err != nil {
				return fmt.Errorf("navigate from %s: %w", pos, err)
			}
			n.mu.Lock()
			n.pos = next
			n.steps++
			n.mu.Unlock()
			rejections = 0
			n.log.Trace("moved", "to", next.String())
		case cluster.TypeError:
			rejections++
			n.log.Debug("move refused", "at", pos.String(), "reason", reply.TextPayload(), "rejections", rejections)
			if n.cfg.MaxRejections > 0 && rejections >= n.cfg.MaxRejections {
				return fmt.Errorf("%w at %s: %s", ErrStuck, pos, reply.TextPayload())
			}
		default:
			return fmt.Errorf("%w: %s answers NAVIGATION", cluster.ErrUnexpectedReply, reply.Type)
		}

		if n.Position() == n.cfg.Destination {
			continue
		}
		if err := sleep(ctx, n.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (n *Navigator) request(ctx context.Context, conn *cluster.Conn, msg cluster.Message) (cluster.Message, error) {
	if n.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.RequestTimeout)
		defer cancel()
	}
	return conn.Request(ctx, msg)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
