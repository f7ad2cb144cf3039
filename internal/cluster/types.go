package cluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies any participant in the cluster by host and port.
// It doubles as the occupant key inside the grid, so two clients must never
// advertise the same Address.
type Address struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// ParseAddress parses a "host:port" string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, portStr)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns the address in "host:port" form, suitable for net.Dial.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Coordinate is a cell on the shared grid. Coordinates are plain values and
// compare with ==.
type Coordinate struct {
	X int `json:"x" mapstructure:"x"`
	Y int `json:"y" mapstructure:"y"`
}

// C is shorthand for constructing a Coordinate.
func C(x, y int) Coordinate {
	return Coordinate{X: x, Y: y}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Manhattan returns the grid distance between c and o.
func (c Coordinate) Manhattan(o Coordinate) int {
	return abs(c.X-o.X) + abs(c.Y-o.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Role is the registration role of a participant.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleLeader
	RoleFollower
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// NodeRecord is one entry of the replicated membership list.
// Records are never mutated in place; a change is a remove plus an add.
type NodeRecord struct {
	Role    Role    `json:"role"`
	Address Address `json:"address"`
}

func (n NodeRecord) String() string {
	return n.Role.String() + "@" + n.Address.String()
}
