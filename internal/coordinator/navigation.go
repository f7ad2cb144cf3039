package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/gridcoord/internal/cluster"
)

// ErrMoveNotPossible is the answer to a NAVIGATION request that cannot make
// progress: the starting cell is taken, every closer neighbor is taken, or
// the occupant already stands on its destination.
var ErrMoveNotPossible = errors.New("move not possible")

// Navigate advances occupant one cell along route and returns the cell it
// now stands on.
//
// The occupant is first put on route.Current, since the requester is the
// authority on where it believes it stands. An occupant that reaches its
// destination leaves the grid.
func (l *Leader) Navigate(occupant cluster.Address, route cluster.Route) (cluster.Coordinate, error) {
	if pos, ok := l.area.PositionOf(occupant); !ok || pos != route.Current {
		if err := l.area.Place(occupant, route.Current); err != nil {
			return route.Current, fmt.Errorf("%w: %v", ErrMoveNotPossible, err)
		}
	}

	next, err := l.planner.Move(occupant, route.Destination)
	if err != nil {
		return route.Current, fmt.Errorf("%w: %v", ErrMoveNotPossible, err)
	}

	switch {
	case next == route.Current:
		if route.Current == route.Destination {
			l.area.Remove(occupant, route.Current)
		}
		return next, ErrMoveNotPossible
	case next == route.Destination:
		l.area.Remove(occupant, next)
	}
	return next, nil
}

func (l *Leader) navigationHandler(seen *occupantSet) cluster.Handler {
	return func(c *cluster.Conn, msg cluster.Message) {
		route, err := msg.RoutePayload()
		if err != nil {
			cluster.RejectWith(err.Error())(c, msg)
			return
		}
		seen.add(msg.Sender)

		next, err := l.Navigate(msg.Sender, route)
		if err != nil {
			l.log.Trace("navigation refused", "occupant", msg.Sender, "from", route.Current.String(), "error", err)
			err = c.Reply(msg, cluster.TypeError, cluster.Text(ErrMoveNotPossible.Error()))
		} else {
			err = c.Reply(msg, cluster.TypeSuccess, next)
		}
		if err != nil {
			l.log.Debug("navigation reply failed", "occupant", msg.Sender, "error", err)
		}
	}
}

// occupantSet remembers the occupants that navigated over one link so
// their cells can be released when the link goes away.
type occupantSet struct {
	m  map[cluster.Address]struct{}
	mu sync.Mutex
}

func newOccupantSet() *occupantSet {
	return &occupantSet{m: make(map[cluster.Address]struct{})}
}

func (s *occupantSet) add(a cluster.Address) {
	s.mu.Lock()
	s.m[a] = struct{}{}
	s.mu.Unlock()
}

func (s *occupantSet) drain() []cluster.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cluster.Address, 0, len(s.m))
	for a := range s.m {
		out = append(out, a)
	}
	s.m = make(map[cluster.Address]struct{})
	return out
}
