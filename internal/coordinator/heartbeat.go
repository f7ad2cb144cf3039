package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/gridcoord/internal/cluster"
)

// ErrNoAck is returned by the default probe when the follower answers a
// HEARTBEAT with something other than ACK.
var ErrNoAck = errors.New("heartbeat not acknowledged")

// ProbeState is the position of a Detector in its probe cycle.
type ProbeState uint8

const (
	StateIdle ProbeState = iota
	StateProbing
	StateAcked
	StateTimedOut
)

func (s ProbeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateAcked:
		return "acked"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("ProbeState(%d)", uint8(s))
	}
}

// HeartbeatConfig tunes a Detector.
type HeartbeatConfig struct {
	// Interval between the start of two probes.
	Interval time.Duration `mapstructure:"interval"`
	// Timeout is how long one probe waits for its ACK.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxFailures is the number of consecutive failed probes that declare
	// the follower lost.
	MaxFailures int `mapstructure:"max_failures"`
}

// DefaultHeartbeatConfig probes every second and gives up after the first
// unanswered probe.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    time.Second,
		Timeout:     500 * time.Millisecond,
		MaxFailures: 1,
	}
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	def := DefaultHeartbeatConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	return c
}

// Detector probes one follower link and declares the follower lost when it
// stops answering.
//
//	IDLE --tick--> PROBING --ACK--> ACKED --> IDLE
//	                  └--timeout--> TIMED_OUT (after MaxFailures in a row)
//
// Probes run one at a time from the Start goroutine, so a link never has
// two outstanding HEARTBEATs. The ACK is routed to the probe by the link's
// receive loop, never through its dispatch table.
type Detector struct {
	link    *cluster.Conn
	probe   func(ctx context.Context) error
	onLost  func()
	log     hclog.Logger
	stop    chan struct{}
	peer    cluster.Address
	cfg     HeartbeatConfig
	mu      sync.Mutex
	state   ProbeState
	fails   int
	stopped sync.Once
}

// NewDetector creates a detector for the follower at peer, reachable over
// link. It does nothing until Start is called.
func NewDetector(link *cluster.Conn, peer cluster.Address, cfg HeartbeatConfig, logger hclog.Logger) *Detector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &Detector{
		link: link,
		peer: peer,
		cfg:  cfg.withDefaults(),
		log:  logger.With("follower", peer.String()),
		stop: make(chan struct{}),
	}
	d.probe = d.heartbeat
	return d
}

// SetProbeFunction replaces the HEARTBEAT/ACK exchange. Tests use it to
// simulate a silent follower. Must be called before Start.
func (d *Detector) SetProbeFunction(fn func(ctx context.Context) error) {
	d.probe = fn
}

// SetOnLost sets the callback run once when the follower is declared lost,
// after the link has been closed. Must be called before Start.
func (d *Detector) SetOnLost(fn func()) {
	d.onLost = fn
}

// State returns the current probe state.
func (d *Detector) State() ProbeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start runs the probe loop in the current goroutine. The first probe goes
// out one interval after Start. It returns when ctx is cancelled, Stop is
// called, the link closes, or the follower is declared lost.
func (d *Detector) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Debug("heartbeat started", "interval", d.cfg.Interval, "timeout", d.cfg.Timeout)
	for {
		select {
		case <-ticker.C:
			if d.round(ctx) {
				return
			}
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-d.link.Done():
			return
		}
	}
}

// Stop ends the probe loop. It is safe to call more than once.
func (d *Detector) Stop() {
	d.stopped.Do(func() { close(d.stop) })
}

// round runs one probe and reports whether the follower is now lost.
func (d *Detector) round(ctx context.Context) bool {
	d.setState(StateProbing)

	pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	err := d.probe(pctx)
	cancel()

	if err == nil {
		d.mu.Lock()
		// Acked holds until the next tick starts a new round.
		d.state = StateAcked
		d.fails = 0
		d.mu.Unlock()
		return false
	}
	if ctx.Err() != nil || d.isStopped() {
		// Shutting down, not a verdict on the follower.
		d.setState(StateIdle)
		return false
	}

	d.mu.Lock()
	d.fails++
	fails := d.fails
	lost := fails >= d.cfg.MaxFailures
	if lost {
		d.state = StateTimedOut
	} else {
		d.state = StateIdle
	}
	d.mu.Unlock()

	d.log.Warn("heartbeat failed", "attempt", fails, "max", d.cfg.MaxFailures, "error", err)
	if !lost {
		return false
	}

	d.log.Warn("follower lost")
	d.link.Close()
	if d.onLost != nil {
		d.onLost()
	}
	return true
}

func (d *Detector) heartbeat(ctx context.Context) error {
	msg := cluster.NewMessage(cluster.TypeHeartbeat, d.link.Local(), d.peer, nil)
	reply, err := d.link.Request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type != cluster.TypeAck {
		return fmt.Errorf("%w: got %s", ErrNoAck, reply.Type)
	}
	return nil
}

func (d *Detector) setState(s ProbeState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Detector) isStopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}
