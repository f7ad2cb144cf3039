package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseAddress covers the host:port forms accepted in configuration.
func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Address
		wantErr bool
	}{
		{name: "ipv4", in: "127.0.0.1:200", want: Address{Host: "127.0.0.1", Port: 200}},
		{name: "hostname", in: "leader:201", want: Address{Host: "leader", Port: 201}},
		{name: "ipv6", in: "[::1]:9000", want: Address{Host: "::1", Port: 9000}},
		{name: "missing port", in: "127.0.0.1", wantErr: true},
		{name: "bad port", in: "127.0.0.1:http", wantErr: true},
		{name: "port out of range", in: "127.0.0.1:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestAddressIsZero(t *testing.T) {
	assert.True(t, Address{}.IsZero())
	assert.False(t, Address{Host: "127.0.0.1"}.IsZero())
}

// TestCoordinateEquality verifies coordinates compare component-wise.
func TestCoordinateEquality(t *testing.T) {
	assert.Equal(t, C(1, 10), Coordinate{X: 1, Y: 10})
	assert.True(t, C(3, 4) == C(3, 4))
	assert.False(t, C(3, 4) == C(4, 3))
	assert.Equal(t, "(3,4)", C(3, 4).String())
}

func TestCoordinateManhattan(t *testing.T) {
	assert.Equal(t, 0, C(5, 5).Manhattan(C(5, 5)))
	assert.Equal(t, 54, C(1, 10).Manhattan(C(50, 5)))
	assert.Equal(t, 4, C(-1, -1).Manhattan(C(1, 1)))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "leader", RoleLeader.String())
	assert.Equal(t, "follower", RoleFollower.String())
	assert.Equal(t, "client", RoleClient.String())
	assert.Equal(t, "unknown", Role(42).String())

	rec := NodeRecord{Role: RoleFollower, Address: Address{Host: "127.0.0.2", Port: 200}}
	assert.Equal(t, "follower@127.0.0.2:200", rec.String())
}
