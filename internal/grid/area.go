package grid

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/gridcoord/internal/cluster"
)

var (
	// ErrOccupied is returned when a cell is held by another occupant.
	ErrOccupied = errors.New("cell is occupied")

	// ErrOutOfBounds is returned for coordinates outside a bounded area.
	ErrOutOfBounds = errors.New("coordinate out of bounds")

	// ErrUnknownOccupant is returned when an occupant has no position.
	ErrUnknownOccupant = errors.New("unknown occupant")
)

// Bounds limits the area to 0 <= x <= MaxX and 0 <= y <= MaxY. A zero
// limit leaves that axis unbounded in both directions.
type Bounds struct {
	MaxX int
	MaxY int
}

// Contains reports whether c lies inside the bounds.
func (b Bounds) Contains(c cluster.Coordinate) bool {
	if b.MaxX > 0 && (c.X < 0 || c.X > b.MaxX) {
		return false
	}
	if b.MaxY > 0 && (c.Y < 0 || c.Y > b.MaxY) {
		return false
	}
	return true
}

// Occupant pairs an occupant with its cell in a Snapshot.
type Occupant struct {
	Address  cluster.Address
	Position cluster.Coordinate
}

// AreaStats counts operations on an Area.
type AreaStats struct {
	Occupants int    // Occupants currently on the grid
	Moves     uint64 // Accepted placements and steps
	Conflicts uint64 // Placements refused because the cell was taken
}

// Area is the grid occupancy engine: the single source of truth for where
// every occupant is. It keeps a forward map (occupant → cell) and a reverse
// map (cell → occupant) under one mutex, so a cell is never held by two
// occupants and a move is never observed half done.
type Area struct {
	mu        sync.RWMutex
	bounds    Bounds
	positions map[cluster.Address]cluster.Coordinate
	cells     map[cluster.Coordinate]cluster.Address

	moves     atomic.Uint64
	conflicts atomic.Uint64
}

// NewArea creates an empty area.
func NewArea(bounds Bounds) *Area {
	return &Area{
		bounds:    bounds,
		positions: make(map[cluster.Address]cluster.Coordinate),
		cells:     make(map[cluster.Coordinate]cluster.Address),
	}
}

// Bounds returns the limits the area was created with.
func (a *Area) Bounds() Bounds { return a.bounds }

// Place puts occupant on c. If the occupant is already elsewhere it is moved
// in one step. Fails with ErrOccupied if another occupant holds c.
func (a *Area) Place(occupant cluster.Address, c cluster.Coordinate) error {
	if !a.bounds.Contains(c) {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, c)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if holder, taken := a.cells[c]; taken && holder != occupant {
		a.conflicts.Add(1)
		return fmt.Errorf("%w: %s held by %s", ErrOccupied, c, holder)
	}
	a.moveLocked(occupant, c)
	return nil
}

// Remove deletes occupant if it currently stands on c. It reports whether
// anything was removed.
func (a *Area) Remove(occupant cluster.Address, c cluster.Coordinate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.positions[occupant]
	if !ok || cur != c {
		return false
	}
	delete(a.positions, occupant)
	delete(a.cells, c)
	return true
}

// Evict removes occupant wherever it stands.
func (a *Area) Evict(occupant cluster.Address) (cluster.Coordinate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.positions[occupant]
	if ok {
		delete(a.positions, occupant)
		delete(a.cells, cur)
	}
	return cur, ok
}

// PositionOf returns the occupant's cell, or false if it is not on the grid.
func (a *Area) PositionOf(occupant cluster.Address) (cluster.Coordinate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.positions[occupant]
	return c, ok
}

// OccupantAt returns who holds c.
func (a *Area) OccupantAt(c cluster.Coordinate) (cluster.Address, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	occ, ok := a.cells[c]
	return occ, ok
}

// Chooser picks the next cell for an occupant standing on cur. free reports
// whether a cell is inside the bounds and not held by anyone else. Returning
// cur means "stay".
type Chooser func(cur cluster.Coordinate, free func(cluster.Coordinate) bool) cluster.Coordinate

// Step reads the occupant's position, asks choose for the next cell and
// applies the move, all inside one critical section. No other caller can
// claim the chosen cell between the decision and the move.
func (a *Area) Step(occupant cluster.Address, choose Chooser) (cluster.Coordinate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.positions[occupant]
	if !ok {
		return cluster.Coordinate{}, fmt.Errorf("%w: %s", ErrUnknownOccupant, occupant)
	}
	free := func(c cluster.Coordinate) bool {
		if !a.bounds.Contains(c) {
			return false
		}
		holder, taken := a.cells[c]
		return !taken || holder == occupant
	}

	next := choose(cur, free)
	if next == cur {
		return cur, nil
	}
	if !free(next) {
		a.conflicts.Add(1)
		return cur, fmt.Errorf("%w: %s", ErrOccupied, next)
	}
	a.moveLocked(occupant, next)
	return next, nil
}

// Len returns the number of occupants on the grid.
func (a *Area) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.positions)
}

// Snapshot returns every occupant and its cell, ordered by address.
func (a *Area) Snapshot() []Occupant {
	a.mu.RLock()
	out := make([]Occupant, 0, len(a.positions))
	for occ, c := range a.positions {
		out = append(out, Occupant{Address: occ, Position: c})
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y Occupant) int {
		return strings.Compare(x.Address.String(), y.Address.String())
	})
	return out
}

// Stats returns operation counters.
func (a *Area) Stats() AreaStats {
	return AreaStats{
		Occupants: a.Len(),
		Moves:     a.moves.Load(),
		Conflicts: a.conflicts.Load(),
	}
}

// moveLocked must be called with mu held and c known to be free for occupant.
func (a *Area) moveLocked(occupant cluster.Address, c cluster.Coordinate) {
	if old, ok := a.positions[occupant]; ok {
		delete(a.cells, old)
	}
	a.positions[occupant] = c
	a.cells[c] = occupant
	a.moves.Add(1)
}
