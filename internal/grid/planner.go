package grid

import (
	"github.com/dreamware/gridcoord/internal/cluster"
)

// Planner computes next steps toward a destination and applies them to an
// Area.
type Planner struct {
	area *Area
}

// NewPlanner returns a planner moving occupants on area.
func NewPlanner(area *Area) *Planner {
	return &Planner{area: area}
}

// Move advances occupant one cell toward destination and returns the cell
// it now stands on.
//
// If the occupant already stands on destination, or every neighbor that
// gets closer is blocked, the current cell is returned unchanged; callers
// treat that as "no legal move". The returned cell is never held by a
// different occupant.
func (p *Planner) Move(occupant cluster.Address, destination cluster.Coordinate) (cluster.Coordinate, error) {
	return p.area.Step(occupant, func(cur cluster.Coordinate, free func(cluster.Coordinate) bool) cluster.Coordinate {
		for _, c := range Candidates(cur, destination) {
			if free(c) {
				return c
			}
		}
		return cur
	})
}

// Candidates lists, in preference order, the neighbors of cur that strictly
// reduce the Manhattan distance to dest: the step along X first, then the
// step along Y. It is empty when cur == dest.
func Candidates(cur, dest cluster.Coordinate) []cluster.Coordinate {
	out := make([]cluster.Coordinate, 0, 2)
	if dx := sign(dest.X - cur.X); dx != 0 {
		out = append(out, cluster.Coordinate{X: cur.X + dx, Y: cur.Y})
	}
	if dy := sign(dest.Y - cur.Y); dy != 0 {
		out = append(out, cluster.Coordinate{X: cur.X, Y: cur.Y + dy})
	}
	return out
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
