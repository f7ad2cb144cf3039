// Package grid holds the shared occupancy state of the coordinate grid and
// the movement planner that advances occupants across it.
//
// # Occupancy
//
// Area maps each occupant (a client address) to the cell it stands on and
// keeps the reverse index from cell to occupant. Both maps live behind one
// mutex; every operation is atomic with respect to every other:
//
//	Place(occ, c)     claim c, moving occ off its old cell in the same step
//	Remove(occ, c)    release c if occ stands there
//	PositionOf(occ)   current cell or "unknown"
//	Step(occ, fn)     read, decide and move under one lock
//
// At most one occupant stands on a cell at any instant.
//
// # Planning
//
// Planner.Move looks at the at most two neighbors that bring an occupant
// closer to its destination, X axis first, and takes the first free one:
//
//	cur (1,10) → dest (50,5)
//	candidates: (2,10), (1,9)
//
// When both are blocked the occupant stays put and the caller reports that
// no move is possible. Decision and move happen inside Area.Step, so two
// occupants racing for the same cell cannot both get it.
package grid
