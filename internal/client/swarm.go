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

// ErrNoEntries is returned by RunSwarm when no entry point is configured.
var ErrNoEntries = errors.New("swarm needs at least one entry point")

// SwarmConfig describes a batch of clients released onto the grid.
//
// Client i advertises HostPrefix+(i+1):Port, starts on (1, 10+i), heads for
// (50, 5+i) and enters through Entries[i % len(Entries)]. Every client row
// crosses the same column, so the batch exercises contention on the grid.
type SwarmConfig struct {
	Entries        []cluster.Address
	HostPrefix     string
	Clients        int
	Port           int
	Spacing        time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   uint32
	MaxRejections  int
}

// SwarmReport summarizes a finished swarm run.
type SwarmReport struct {
	Errors  []error
	Elapsed time.Duration
	Arrived int
	Clients int
}

// Plan returns the configuration of client i.
func (c SwarmConfig) Plan(i int) Config {
	prefix := c.HostPrefix
	if prefix == "" {
		prefix = "127.0.1."
	}
	return Config{
		Self:           cluster.Address{Host: fmt.Sprintf("%s%d", prefix, i+1), Port: c.Port},
		Entry:          c.Entries[i%len(c.Entries)],
		Start:          cluster.C(1, 10+i),
		Destination:    cluster.C(50, 5+i),
		PollInterval:   c.PollInterval,
		MaxRejections:  c.MaxRejections,
		RequestTimeout: c.RequestTimeout,
		WriteTimeout:   c.WriteTimeout,
		MaxFrameSize:   c.MaxFrameSize,
	}
}

// RunSwarm starts cfg.Clients navigators, Spacing apart, and waits for all
// of them to finish. Individual client failures are collected in the
// report; only a configuration problem or a cancelled ctx fails the run.
func RunSwarm(ctx context.Context, cfg SwarmConfig, logger hclog.Logger) (SwarmReport, error) {
	if len(cfg.Entries) == 0 {
		return SwarmReport{}, ErrNoEntries
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	log := logger.Named("swarm")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report = SwarmReport{Clients: cfg.Clients}
	)
	start := time.Now()
	log.Info("releasing clients", "clients", cfg.Clients, "entries", len(cfg.Entries))

	var err error
	for i := 0; i < cfg.Clients; i++ {
		if i > 0 {
			if err = sleep(ctx, cfg.Spacing); err != nil {
				break
			}
		}
		nav := NewNavigator(cfg.Plan(i), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runErr := nav.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			if runErr != nil {
				report.Errors = append(report.Errors, fmt.Errorf("%s: %w", nav.cfg.Self, runErr))
				return
			}
			report.Arrived++
		}()
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	log.Info("swarm finished", "arrived", report.Arrived, "failed", len(report.Errors), "elapsed", report.Elapsed)
	if err == nil {
		err = ctx.Err()
	}
	return report, err
}
